package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"mybacktest/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ TradeLogWriter = (*ParquetStore)(nil)

// ParquetStore implements BarStore and TradeLogWriter using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Instrument string  `parquet:"instrument"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
}

// TradeEventRecord is the Parquet schema for an exported trade log.
type TradeEventRecord struct {
	RunID      string  `parquet:"run_id"`
	Seq        int64   `parquet:"seq"`
	TradeID    int64   `parquet:"trade_id"`
	Instrument string  `parquet:"instrument"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Kind       string  `parquet:"kind"`
	Side       string  `parquet:"side"`
	Price      float64 `parquet:"price"`
	Size       float64 `parquet:"size"`
	StopLoss   float64 `parquet:"stop_loss"`
	EntryPrice float64 `parquet:"entry_price"`
	Reason     string  `parquet:"reason"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by period, instrument
// and year. Each combination produces a separate file at:
//
//	<DataDir>/<period>/<INSTRUMENT>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		inst   domain.Instrument
		period domain.Period
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		if b.Period == "" {
			return fmt.Errorf("%w: bar for %s at %s has no period", domain.ErrData, b.Instrument, b.Timestamp.Format(time.RFC3339))
		}
		k := key{inst: b.Instrument, period: b.Period, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Instrument: string(b.Instrument),
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.inst, k.period, k.year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s/%d: %w", k.inst, k.period, k.year, err)
		}
	}
	return nil
}

// LoadSeries reads every year file of (inst, period) in ascending order.
func (s *ParquetStore) LoadSeries(ctx context.Context, inst domain.Instrument, period domain.Period) ([]domain.Bar, error) {
	dir := s.seriesDir(inst, period)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s under %s", domain.ErrSeriesNotFound, inst, period, s.DataDir)
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var bars []domain.Bar
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := readParquetFile[BarRecord](filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s/%s %s: %v", domain.ErrData, inst, period, name, err)
		}
		for _, r := range records {
			bars = append(bars, domain.Bar{
				Instrument: inst,
				Period:     period,
				Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
			})
		}
	}
	return bars, nil
}

// ListInstruments lists all instruments that have bar data for the period.
func (s *ParquetStore) ListInstruments(_ context.Context, period domain.Period) ([]domain.Instrument, error) {
	dir := filepath.Join(s.DataDir, string(period))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []domain.Instrument
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, domain.Instrument(e.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ---------------------------------------------------------------------------
// Trade log export
// ---------------------------------------------------------------------------

// WriteTradeLog writes a run's trade log to
// <DataDir>/runs/<run_id>/trades.parquet and returns the path.
func (s *ParquetStore) WriteTradeLog(_ context.Context, runID string, events []domain.TradeEvent) (string, error) {
	records := make([]TradeEventRecord, len(events))
	for i, ev := range events {
		records[i] = TradeEventRecord{
			RunID:      runID,
			Seq:        int64(ev.Seq),
			TradeID:    int64(ev.TradeID),
			Instrument: string(ev.Instrument),
			Timestamp:  ev.Timestamp.UnixMilli(),
			Kind:       string(ev.Kind),
			Side:       string(ev.Side),
			Price:      ev.Price,
			Size:       ev.Size,
			StopLoss:   ev.StopLoss,
			EntryPrice: ev.EntryPrice,
			Reason:     ev.Reason,
		}
	}
	path := s.tradeLogPath(runID)
	if err := writeParquetFile(path, records); err != nil {
		return "", fmt.Errorf("writing trade log for run %s: %w", runID, err)
	}
	return path, nil
}

// ReadTradeLog reads back a trade log written by WriteTradeLog.
func (s *ParquetStore) ReadTradeLog(_ context.Context, runID string) ([]domain.TradeEvent, error) {
	records, err := readParquetFile[TradeEventRecord](s.tradeLogPath(runID))
	if err != nil {
		return nil, fmt.Errorf("reading trade log for run %s: %w", runID, err)
	}
	events := make([]domain.TradeEvent, len(records))
	for i, r := range records {
		events[i] = domain.TradeEvent{
			Seq:        int(r.Seq),
			TradeID:    int(r.TradeID),
			Instrument: domain.Instrument(r.Instrument),
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Kind:       domain.EventKind(r.Kind),
			Side:       domain.Side(r.Side),
			Price:      r.Price,
			Size:       r.Size,
			StopLoss:   r.StopLoss,
			EntryPrice: r.EntryPrice,
			Reason:     r.Reason,
		}
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// seriesDir returns the directory holding the year files of one series.
func (s *ParquetStore) seriesDir(inst domain.Instrument, period domain.Period) string {
	return filepath.Join(s.DataDir, string(period), strings.ToUpper(string(inst)))
}

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<period>/<INSTRUMENT>/<YYYY>.parquet
func (s *ParquetStore) barPath(inst domain.Instrument, period domain.Period, year int) string {
	return filepath.Join(s.seriesDir(inst, period), fmt.Sprintf("%d.parquet", year))
}

// tradeLogPath returns the filesystem path for an exported trade log.
// Layout: <dataDir>/runs/<run_id>/trades.parquet
func (s *ParquetStore) tradeLogPath(runID string) string {
	return filepath.Join(s.DataDir, "runs", runID, "trades.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
