package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"mybacktest/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	// Test barPath produces the expected layout.
	bp := ps.barPath("aapl", "15m", 2024)
	wantBarPath := filepath.Join("/data", "15m", "AAPL", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}

	// Test tradeLogPath produces the expected layout.
	tp := ps.tradeLogPath("run-1")
	wantTradePath := filepath.Join("/data", "runs", "run-1", "trades.parquet")
	if tp != wantTradePath {
		t.Errorf("tradeLogPath mismatch:\n  got  %s\n  want %s", tp, wantTradePath)
	}
}

func TestParquetStoreWriteLoadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Instrument: "000300.XSHG",
			Period:     "1d",
			Timestamp:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:       3400.0, High: 3420.5, Low: 3390.0, Close: 3410.5, Volume: 5e8,
		},
		{
			Instrument: "000300.XSHG",
			Period:     "1d",
			Timestamp:  time.Date(2023, 12, 29, 0, 0, 0, 0, time.UTC),
			Open:       3380.0, High: 3405.0, Low: 3375.0, Close: 3400.0, Volume: 4.5e8,
		},
	}

	// Write bars.
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	// Read them back; year files are visited in order.
	got, err := ps.LoadSeries(ctx, "000300.XSHG", "1d")
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadSeries returned %d bars, want 2", len(got))
	}
	if got[0].Close != 3400.0 || got[1].Close != 3410.5 {
		t.Errorf("closes = %v, %v, want 3400, 3410.5", got[0].Close, got[1].Close)
	}
	if got[0].Period != "1d" || got[0].Instrument != "000300.XSHG" {
		t.Errorf("bar identity = %s/%s", got[0].Instrument, got[0].Period)
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	day := func(d int, c float64) domain.Bar {
		return domain.Bar{Instrument: "MSFT", Period: "1d", Timestamp: time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC), Close: c}
	}
	if err := ps.WriteBars(ctx, []domain.Bar{day(1, 403), day(4, 408)}); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}
	// Same timestamp replaces, new timestamp merges.
	if err := ps.WriteBars(ctx, []domain.Bar{day(4, 409), day(5, 410)}); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.LoadSeries(ctx, "MSFT", "1d")
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("LoadSeries returned %d bars after merge, want 3", len(got))
	}
	if got[1].Close != 409 {
		t.Errorf("merged bar Close = %v, want 409", got[1].Close)
	}
}

func TestParquetStoreMissingSeries(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	_, err := ps.LoadSeries(context.Background(), "NOPE", "1m")
	if !errors.Is(err, domain.ErrSeriesNotFound) {
		t.Errorf("error = %v, want ErrSeriesNotFound", err)
	}
	if err := ps.WriteBars(context.Background(), []domain.Bar{{Instrument: "X"}}); !errors.Is(err, domain.ErrData) {
		t.Errorf("WriteBars without period error = %v, want ErrData", err)
	}
}

func TestParquetStoreListInstruments(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Instrument: "GOOGL", Period: "1h", Timestamp: ts, Close: 140.5},
		{Instrument: "AAPL", Period: "1h", Timestamp: ts, Close: 185.5},
		{Instrument: "TSLA", Period: "1d", Timestamp: ts, Close: 250},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ListInstruments(ctx, "1h")
	if err != nil {
		t.Fatalf("ListInstruments: %v", err)
	}
	want := []domain.Instrument{"AAPL", "GOOGL"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListInstruments = %v, want %v", got, want)
	}
}

func sampleEvents() []domain.TradeEvent {
	ts := time.Date(2023, 5, 8, 10, 0, 0, 0, time.UTC)
	return []domain.TradeEvent{
		{Seq: 1, TradeID: 1, Instrument: "IDX", Timestamp: ts, Kind: domain.EventEnterLong, Side: domain.SideLong, Price: 100, Size: 0.2, StopLoss: 90, EntryPrice: 100},
		{Seq: 2, TradeID: 1, Instrument: "IDX", Timestamp: ts.Add(time.Hour), Kind: domain.EventClose, Side: domain.SideLong, Price: 110, Size: 0.2, StopLoss: 99, EntryPrice: 100, Reason: domain.ReasonStopLoss},
	}
}

func TestParquetTradeLogRoundTrip(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	path, err := ps.WriteTradeLog(ctx, "abc", sampleEvents())
	if err != nil {
		t.Fatalf("WriteTradeLog: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("trade log not written at %s: %v", path, err)
	}
	got, err := ps.ReadTradeLog(ctx, "abc")
	if err != nil {
		t.Fatalf("ReadTradeLog: %v", err)
	}
	if !reflect.DeepEqual(got, sampleEvents()) {
		t.Errorf("ReadTradeLog = %+v, want %+v", got, sampleEvents())
	}
}

func TestCSVStoreLoadSeries(t *testing.T) {
	dir := t.TempDir()
	cs := NewCSVStore(dir)

	content := "\ufefftimestamp,open,high,low,close,volume\n" +
		"2023-01-03 09:30:00,1,2,0.5,1.5,100\n" +
		"2023-01-03T09:45:00Z,1.5,2,1,1.8,120\n" +
		"1672740000000,1.8,2,1.7,1.9,\n"
	if err := os.WriteFile(cs.Path("idx", "15m"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	bars, err := cs.LoadSeries(context.Background(), "idx", "15m")
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("len(bars) = %d, want 3", len(bars))
	}
	if !bars[0].Timestamp.Equal(time.Date(2023, 1, 3, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("bars[0].Timestamp = %v", bars[0].Timestamp)
	}
	if !bars[2].Timestamp.Equal(time.Date(2023, 1, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("bars[2].Timestamp = %v, want unix ms parsed", bars[2].Timestamp)
	}
	if bars[1].Close != 1.8 || bars[2].Volume != 0 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestReadCSVUTF16AndCloseOnly(t *testing.T) {
	text := "timestamp,close\n2023-01-03,10\n2023-01-04,11\n"
	// UTF-16LE with BOM.
	b := []byte{0xFF, 0xFE}
	for _, r := range text {
		b = append(b, byte(r), 0)
	}
	bars, err := ReadCSV(strings.NewReader(string(b)), "X", "1d")
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(bars) != 2 || bars[1].Close != 11 || bars[1].Open != 11 {
		t.Errorf("bars = %+v, want two bars with open filled from close", bars)
	}
}

func TestReadCSVErrors(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("time,price\n1,2\n"), "X", "1d"); !errors.Is(err, domain.ErrData) {
		t.Errorf("missing columns error = %v, want ErrData", err)
	}
	if _, err := ReadCSV(strings.NewReader("timestamp,close\nyesterday,2\n"), "X", "1d"); !errors.Is(err, domain.ErrData) {
		t.Errorf("bad timestamp error = %v, want ErrData", err)
	}
	if _, err := NewCSVStore(t.TempDir()).LoadSeries(context.Background(), "X", "1d"); !errors.Is(err, domain.ErrSeriesNotFound) {
		t.Errorf("missing file error = %v, want ErrSeriesNotFound", err)
	}
}

func TestMemoryStoreWriteBars(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	at := func(h int) time.Time { return time.Date(2024, 1, 2, h, 0, 0, 0, time.UTC) }

	err := m.WriteBars(ctx, []domain.Bar{
		{Instrument: "A", Period: "1h", Timestamp: at(3), Close: 3},
		{Instrument: "A", Period: "1h", Timestamp: at(1), Close: 1},
		{Instrument: "A", Period: "1h", Timestamp: at(3), Close: 33},
	})
	if err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	bars, err := m.LoadSeries(ctx, "A", "1h")
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if len(bars) != 2 || bars[0].Close != 1 || bars[1].Close != 33 {
		t.Errorf("bars = %+v, want sorted and deduplicated", bars)
	}
	insts, _ := m.ListInstruments(ctx, "1h")
	if len(insts) != 1 || insts[0] != "A" {
		t.Errorf("ListInstruments = %v, want [A]", insts)
	}
}

func TestClickHouseSQL(t *testing.T) {
	q := selectSeriesSQL("market.bars")
	for _, want := range []string{"FROM market.bars FINAL", "symbol = ?", "interval = ?", "ORDER BY open_time_ms"} {
		if !strings.Contains(q, want) {
			t.Errorf("select query missing %q:\n%s", want, q)
		}
	}
	if !strings.Contains(createTableSQL("bars"), "ReplacingMergeTree") {
		t.Error("create table should use ReplacingMergeTree")
	}

	_, err := OpenClickHouse(context.Background(), ClickHouseOptions{Addr: "localhost:9000", Table: "bars; DROP TABLE x"}, nil)
	if !errors.Is(err, domain.ErrConfig) {
		t.Errorf("OpenClickHouse with bad table error = %v, want ErrConfig", err)
	}
}

func TestSQLiteRunStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	}()
	ctx := context.Background()

	older := &RunRecord{
		Strategy:       "ema-trend",
		Instruments:    []string{"IDX"},
		Periods:        []string{"15m", "1h"},
		Start:          time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		Params:         map[string]any{"instrument": "IDX", "stop_offset": 0.1},
		InitialBalance: "100000",
		FinalBalance:   "110000",
		TotalReturn:    "0.1",
		Trades:         1,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.SaveRun(ctx, older, sampleEvents()); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if older.ID == "" {
		t.Fatal("SaveRun did not assign an ID")
	}
	newer := &RunRecord{ID: "fixed-id", Strategy: "sma-cross", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.SaveRun(ctx, newer, nil); err != nil {
		t.Fatalf("SaveRun(newer): %v", err)
	}

	got, err := s.GetRun(ctx, older.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Strategy != "ema-trend" || !reflect.DeepEqual(got.Periods, []string{"15m", "1h"}) {
		t.Errorf("GetRun = %+v", got)
	}
	if got.Params["stop_offset"] != 0.1 || !got.Start.Equal(older.Start) {
		t.Errorf("GetRun params/start = %v / %v", got.Params, got.Start)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "fixed-id" {
		t.Errorf("ListRuns = %+v, want newest first", runs)
	}
	if runs, _ := s.ListRuns(ctx, 1); len(runs) != 1 {
		t.Errorf("ListRuns(1) returned %d runs", len(runs))
	}

	events, err := s.ListTradeEvents(ctx, older.ID)
	if err != nil {
		t.Fatalf("ListTradeEvents: %v", err)
	}
	if !reflect.DeepEqual(events, sampleEvents()) {
		t.Errorf("ListTradeEvents = %+v, want %+v", events, sampleEvents())
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrRunNotFound", err)
	}
}
