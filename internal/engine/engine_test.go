package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mybacktest/internal/align"
	"mybacktest/internal/domain"
	"mybacktest/internal/position"
	"mybacktest/internal/store"
	"mybacktest/internal/strategy"
	"mybacktest/internal/strategy/builtins"
)

var t0 = time.Date(2023, 1, 3, 9, 30, 0, 0, time.UTC)

func bar(i int) time.Time { return t0.Add(time.Duration(i) * 15 * time.Minute) }

func memStore(inst domain.Instrument, period domain.Period, closes []float64) *store.MemoryStore {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Instrument: inst, Period: period, Timestamp: bar(i), Open: c, High: c, Low: c, Close: c}
	}
	mem := store.NewMemoryStore()
	mem.Put(inst, period, bars)
	return mem
}

// stopOut enters long on the first row with a stop at 10% below entry and
// closes once the price reaches that fixed stop.
type stopOut struct {
	inst    domain.Instrument
	period  domain.Period
	pos     position.Position
	entered bool
}

func (s *stopOut) Name() string                 { return "stop-out" }
func (s *stopOut) Init(_ context.Context) error { return nil }

func (s *stopOut) OnRow(_ context.Context, row align.Row) (domain.Signal, error) {
	price, ok := row.Close(s.inst, s.period)
	if !ok {
		return nil, nil
	}
	if !s.entered {
		s.entered = true
		stop := position.StopFor(domain.SideLong, price, 0.1)
		s.pos = position.Position{Instrument: s.inst, Side: domain.SideLong, Size: 1, EntryPrice: price, StopLoss: stop}
		return domain.Enter{Instrument: s.inst, Side: domain.SideLong, Size: 1, StopLoss: stop}, nil
	}
	if s.pos.IsOpen() && s.pos.StopHit(price) {
		s.pos = position.Position{}
		return domain.Close{Instrument: s.inst, Reason: domain.ReasonStopLoss}, nil
	}
	return nil, nil
}

// scripted emits a fixed signal per row index.
type scripted struct {
	script map[int]domain.Signal
	i      int
}

func (s *scripted) Name() string                 { return "scripted" }
func (s *scripted) Init(_ context.Context) error { return nil }

func (s *scripted) OnRow(_ context.Context, _ align.Row) (domain.Signal, error) {
	sig := s.script[s.i]
	s.i++
	return sig, nil
}

func testRegistry(script map[int]domain.Signal) *strategy.Registry {
	reg := builtins.NewRegistry()
	reg.Register("stop-out", func(p strategy.Params) (strategy.Strategy, error) {
		inst, err := p.Instrument("instrument")
		if err != nil {
			return nil, err
		}
		return &stopOut{inst: inst, period: "1d"}, nil
	})
	reg.Register("scripted", func(strategy.Params) (strategy.Strategy, error) {
		return &scripted{script: script}, nil
	})
	return reg
}

func baseConfig(name string) RunConfig {
	return RunConfig{
		Instruments: []domain.Instrument{"X"},
		Periods:     []domain.Period{"1d"},
		Strategy:    name,
		Policy:      position.DefaultPolicy(),
	}
}

func TestRunStopLossEndToEnd(t *testing.T) {
	r := NewRunner(memStore("X", "1d", []float64{100, 105, 90, 80, 70}), testRegistry(nil))

	res, err := r.Run(context.Background(), baseConfig("stop-out"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Signals) != 2 {
		t.Fatalf("len(signals) = %d, want 2: %+v", len(res.Signals), res.Signals)
	}
	if !res.Signals[0].Time.Equal(bar(0)) || !res.Signals[1].Time.Equal(bar(2)) {
		t.Errorf("signal times = %v, %v, want bars 1 and 3", res.Signals[0].Time, res.Signals[1].Time)
	}
	if _, ok := res.Signals[1].Signal.(domain.Close); !ok {
		t.Errorf("signal[1] = %+v, want close", res.Signals[1].Signal)
	}

	if len(res.Trades) != 2 {
		t.Fatalf("len(trades) = %d, want 2: %+v", len(res.Trades), res.Trades)
	}
	closeEv := res.Trades[1]
	if closeEv.Kind != domain.EventClose || closeEv.Price != 90 || closeEv.Reason != domain.ReasonStopLoss {
		t.Errorf("close event = %+v, want stop-loss close at 90", closeEv)
	}
	if closeEv.EntryPrice != 100 {
		t.Errorf("close EntryPrice = %v, want 100", closeEv.EntryPrice)
	}

	if got, want := res.Report.TotalReturn, decimal.RequireFromString("-0.1"); !got.Equal(want) {
		t.Errorf("TotalReturn = %s, want %s", got, want)
	}
	if got, want := res.Report.FinalBalance, decimal.NewFromInt(90000); !got.Equal(want) {
		t.Errorf("FinalBalance = %s, want %s", got, want)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
}

func TestRunEMATrendTiersCloseAtEnd(t *testing.T) {
	r := NewRunner(memStore("IDX", "15m", []float64{90, 100, 111, 121, 134}), testRegistry(nil))

	cfg := RunConfig{
		Instruments: []domain.Instrument{"IDX"},
		Periods:     []domain.Period{"15m"},
		Strategy:    builtins.EMATrendName,
		Params: strategy.Params{
			"fast_windows": []any{1, 2},
			"slow_windows": []any{1, 2},
		},
		Policy:     position.DefaultPolicy(),
		CloseAtEnd: true,
	}
	res, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantKinds := []domain.EventKind{domain.EventEnterLong, domain.EventAdd, domain.EventAdd, domain.EventClose}
	if len(res.Trades) != len(wantKinds) {
		t.Fatalf("len(trades) = %d, want %d: %+v", len(res.Trades), len(wantKinds), res.Trades)
	}
	for i, k := range wantKinds {
		if res.Trades[i].Kind != k {
			t.Errorf("trades[%d].Kind = %s, want %s", i, res.Trades[i].Kind, k)
		}
	}
	last := res.Trades[3]
	if last.Reason != domain.ReasonEndOfRun || last.Price != 134 || last.Size != 1 {
		t.Errorf("final event = %+v, want end-of-run close of full size at 134", last)
	}
	if got, want := res.Report.TotalReturn, decimal.RequireFromString("0.34"); !got.Equal(want) {
		t.Errorf("TotalReturn = %s, want %s", got, want)
	}
}

func TestRunLeavesOpenPositionOutOfReport(t *testing.T) {
	r := NewRunner(memStore("X", "1d", []float64{100, 101, 102}), testRegistry(nil))

	res, err := r.Run(context.Background(), baseConfig("stop-out"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 || res.Report.Trades != 0 {
		t.Errorf("trades = %d events, %d round trips, want 1 event and no round trips", len(res.Trades), res.Report.Trades)
	}
	if !res.Report.FinalBalance.Equal(res.Report.InitialBalance) {
		t.Errorf("FinalBalance = %s, want unchanged %s", res.Report.FinalBalance, res.Report.InitialBalance)
	}
}

func TestRunSkipsConflictsAndRiskRejections(t *testing.T) {
	script := map[int]domain.Signal{
		0: domain.Enter{Instrument: "X", Side: domain.SideLong, Size: 0.5},
		1: domain.Enter{Instrument: "X", Side: domain.SideShort, Size: 0.5},
		2: domain.Scale{Instrument: "X", Size: 0.9},
		3: domain.Close{Instrument: "X"},
	}
	r := NewRunner(memStore("X", "1d", []float64{100, 101, 102, 110}), testRegistry(script),
		WithRiskManager(NewRiskManager(0.5)))

	res, err := r.Run(context.Background(), baseConfig("scripted"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2 (conflict and oversize scale)", res.Skipped)
	}
	if len(res.Trades) != 2 || res.Trades[1].Reason != domain.ReasonSignal {
		t.Fatalf("trades = %+v, want enter then signal close", res.Trades)
	}
	if got, want := res.Report.TotalReturn, decimal.RequireFromString("0.1"); !got.Equal(want) {
		t.Errorf("TotalReturn = %s, want %s", got, want)
	}
}

func TestRunWindow(t *testing.T) {
	script := map[int]domain.Signal{0: domain.Enter{Instrument: "X", Side: domain.SideLong, Size: 1}}
	r := NewRunner(memStore("X", "1d", []float64{100, 200, 300, 400}), testRegistry(script))

	cfg := baseConfig("scripted")
	cfg.Start, cfg.End = bar(1), bar(2)
	cfg.CloseAtEnd = true
	res, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 2 || res.Trades[0].Price != 200 || res.Trades[1].Price != 300 {
		t.Errorf("trades = %+v, want entry at 200 and close at 300", res.Trades)
	}
}

func TestRunStrategyTrailsAtPolicyOffset(t *testing.T) {
	r := NewRunner(memStore("IDX", "15m", []float64{90, 100, 110, 104}), testRegistry(nil))

	cfg := RunConfig{
		Instruments: []domain.Instrument{"IDX"},
		Periods:     []domain.Period{"15m"},
		Strategy:    builtins.EMATrendName,
		Params: strategy.Params{
			"fast_windows": []any{1, 2},
			"slow_windows": []any{1, 2},
		},
		Policy: position.Policy{StopOffset: 0.05},
	}
	res, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("len(trades) = %d, want 2: %+v", len(res.Trades), res.Trades)
	}
	enter, closeEv := res.Trades[0], res.Trades[1]
	if want := position.StopFor(domain.SideLong, 100, 0.05); enter.Kind != domain.EventEnterLong || enter.StopLoss != want {
		t.Errorf("entry = %+v, want enter-long with stop %v", enter, want)
	}
	if closeEv.Kind != domain.EventClose || closeEv.Reason != domain.ReasonStopLoss || closeEv.Price != 104 {
		t.Fatalf("close = %+v, want stop-loss close at 104", closeEv)
	}
	if want := position.StopFor(domain.SideLong, 110, 0.05); closeEv.StopLoss != want {
		t.Errorf("close StopLoss = %v, want %v trailed from 110", closeEv.StopLoss, want)
	}
	if closeEv.Price > closeEv.StopLoss {
		t.Errorf("stop-loss close at %v above recorded stop %v", closeEv.Price, closeEv.StopLoss)
	}
}

func TestRunConfigDefaults(t *testing.T) {
	cfg := RunConfig{
		Instruments: []domain.Instrument{"IDX"},
		Periods:     []domain.Period{"1h", "15m"},
		Strategy:    builtins.EMATrendName,
		Params:      strategy.Params{"fast_period": "15m"},
		Policy:      position.Policy{StopOffset: 0.05},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.pricePeriod(); got != "15m" {
		t.Errorf("pricePeriod() = %s, want the strategy's fast period", got)
	}
	p := cfg.params()
	if off, err := p.Float("stop_offset", 0); err != nil || off != 0.05 {
		t.Errorf("params stop_offset = (%v, %v), want policy offset 0.05", off, err)
	}
	if inst, _ := p.Instrument("instrument"); inst != "IDX" {
		t.Errorf("params instrument = %q, want IDX", inst)
	}
	if cfg.Params.Has("stop_offset") {
		t.Error("params() modified the caller's map")
	}

	cfg.Params["stop_offset"] = 0.05
	if err := cfg.Validate(); err != nil {
		t.Errorf("matching stop_offset rejected: %v", err)
	}
}

func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
		want   error
	}{
		{"no instruments", func(c *RunConfig) { c.Instruments = nil }, domain.ErrEmptyUniverse},
		{"no strategy", func(c *RunConfig) { c.Strategy = "" }, domain.ErrNoStrategy},
		{"unknown strategy", func(c *RunConfig) { c.Strategy = "nope" }, domain.ErrUnknownStrategy},
		{"inverted range", func(c *RunConfig) { c.Start, c.End = bar(2), bar(1) }, domain.ErrInvalidRange},
		{"price period", func(c *RunConfig) { c.PricePeriod = "1h" }, domain.ErrConfig},
		{"stop offset", func(c *RunConfig) { c.Policy.StopOffset = 1.5 }, domain.ErrConfig},
		{"strategy stop offset", func(c *RunConfig) { c.Params = strategy.Params{"stop_offset": 0.05} }, domain.ErrConfig},
		{"strategy signal period", func(c *RunConfig) { c.Params = strategy.Params{"period": "1h"} }, domain.ErrConfig},
		{"missing series", func(c *RunConfig) { c.Instruments = []domain.Instrument{"Y"} }, domain.ErrSeriesNotFound},
	}
	r := NewRunner(memStore("X", "1d", []float64{100}), testRegistry(nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig("stop-out")
			tt.mutate(&cfg)
			_, err := r.Run(context.Background(), cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunPersistsRunAndTradeLog(t *testing.T) {
	dir := t.TempDir()
	runs, err := store.NewSQLiteStore(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer runs.Close()

	r := NewRunner(memStore("X", "1d", []float64{100, 105, 90, 80, 70}), testRegistry(nil),
		WithRunStore(runs), WithTradeLogWriter(store.NewParquetStore(dir)))

	ctx := context.Background()
	res, err := r.Run(ctx, baseConfig("stop-out"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := runs.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Strategy != "stop-out" || rec.Trades != 1 || rec.TotalReturn != "-0.1" {
		t.Errorf("run record = %+v", rec)
	}
	if rec.Params["instrument"] != "X" {
		t.Errorf("params = %v, want instrument defaulted to X", rec.Params)
	}
	events, err := runs.ListTradeEvents(ctx, res.RunID)
	if err != nil {
		t.Fatalf("ListTradeEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("stored %d events, want 2", len(events))
	}
	if _, err := os.Stat(res.TradeLogPath); err != nil {
		t.Errorf("trade log %q: %v", res.TradeLogPath, err)
	}
}

func TestRiskManagerCheckSignal(t *testing.T) {
	rm := NewRiskManager(0.5)
	tests := []struct {
		sig  domain.Signal
		pass bool
	}{
		{domain.Enter{Instrument: "X", Side: domain.SideLong, Size: 0.5}, true},
		{domain.Enter{Instrument: "X", Side: domain.SideLong, Size: 0.6}, false},
		{domain.Enter{Instrument: "X", Side: domain.SideFlat, Size: 0.2}, false},
		{domain.Scale{Instrument: "X", Size: 0}, false},
		{domain.Scale{Instrument: "X", Size: 0.3}, true},
		{domain.Close{Instrument: "X"}, true},
	}
	for _, tt := range tests {
		err := rm.CheckSignal(tt.sig)
		if (err == nil) != tt.pass {
			t.Errorf("CheckSignal(%+v) = %v, want pass=%v", tt.sig, err, tt.pass)
		}
		if err != nil && !errors.Is(err, ErrRiskLimit) {
			t.Errorf("CheckSignal(%+v) error %v does not wrap ErrRiskLimit", tt.sig, err)
		}
	}
	if NewRiskManager(0).MaxSize() != 1 {
		t.Error("non-positive max size should default to 1")
	}
}
