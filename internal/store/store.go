// Package store defines storage interfaces for loading bar series and
// persisting backtest runs, with Parquet, CSV, ClickHouse, in-memory and
// SQLite implementations.
package store

import (
	"context"
	"time"

	"mybacktest/internal/domain"
)

// SeriesLoader loads one time-ordered bar series.
type SeriesLoader interface {
	// LoadSeries returns every bar of (inst, period) in storage order. A
	// missing series is reported as domain.ErrSeriesNotFound; an existing
	// but empty series returns no bars and no error.
	LoadSeries(ctx context.Context, inst domain.Instrument, period domain.Period) ([]domain.Bar, error)
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	SeriesLoader

	// WriteBars persists a batch of bars to storage, merging with any bars
	// already stored for the same timestamps.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ListInstruments returns all instruments with bars for the period.
	ListInstruments(ctx context.Context, period domain.Period) ([]domain.Instrument, error)
}

// RunRecord is the persisted summary of one backtest run.
type RunRecord struct {
	ID             string
	Strategy       string
	Instruments    []string
	Periods        []string
	Start          time.Time
	End            time.Time
	Params         map[string]any
	InitialBalance string
	FinalBalance   string
	TotalReturn    string
	Trades         int
	CreatedAt      time.Time
}

// RunStore persists backtest runs and their trade logs.
type RunStore interface {
	// SaveRun stores the run summary and its trade log atomically.
	SaveRun(ctx context.Context, run *RunRecord, events []domain.TradeEvent) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns the most recent runs, newest first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// ListTradeEvents returns the trade log of a run in Seq order.
	ListTradeEvents(ctx context.Context, runID string) ([]domain.TradeEvent, error)
}

// TradeLogWriter exports a run's trade log.
type TradeLogWriter interface {
	WriteTradeLog(ctx context.Context, runID string, events []domain.TradeEvent) (string, error)
}
