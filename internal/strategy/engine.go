package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mybacktest/internal/align"
	"mybacktest/internal/domain"
)

// TimedSignal is a non-nil signal paired with the time of the row that
// produced it.
type TimedSignal struct {
	Time   time.Time
	Signal domain.Signal
}

// Engine replays an aligned table through a strategy and collects the
// signals it emits. The loaded factory is invoked once per Run, so no
// indicator or position state leaks from one run to the next.
type Engine struct {
	factory Factory
	logger  *slog.Logger
}

// NewEngine creates an Engine with no strategy loaded. A nil logger falls
// back to slog.Default().
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Load sets the strategy factory used by subsequent runs.
func (e *Engine) Load(f Factory) {
	e.factory = f
}

// LoadNamed loads the factory registered under name.
func (e *Engine) LoadNamed(r *Registry, name string) error {
	f, err := r.Lookup(name)
	if err != nil {
		return err
	}
	e.factory = f
	return nil
}

// Run builds a fresh strategy from params and visits the rows of table with
// start <= time <= end in ascending order. Zero bounds are open.
//
// A row that fails with a numeric error is logged and skipped. Any other
// error aborts the run and is returned as a *domain.RowError.
func (e *Engine) Run(ctx context.Context, table *align.Table, start, end time.Time, params Params) ([]TimedSignal, error) {
	if e.factory == nil {
		return nil, domain.ErrNoStrategy
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", domain.ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	strat, err := e.factory(params)
	if err != nil {
		return nil, fmt.Errorf("building strategy: %w", err)
	}
	if err := strat.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing %s: %w", strat.Name(), err)
	}
	inst, err := params.String("instrument", "")
	if err != nil {
		inst = fmt.Sprint(params["instrument"])
		e.logger.Warn("instrument param is not a string",
			"strategy", strat.Name(),
			"instrument", inst,
			"error", err,
		)
	}

	window := table.Between(start, end)
	var (
		signals []TimedSignal
		skipped int
	)
	for i := 0; i < window.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := window.Row(i)
		sig, err := strat.OnRow(ctx, row)
		if err != nil {
			if errors.Is(err, domain.ErrNumeric) {
				skipped++
				e.logger.Warn("row skipped",
					"strategy", strat.Name(),
					"instrument", inst,
					"time", row.Time,
					"error", err,
				)
				continue
			}
			return nil, &domain.RowError{Time: row.Time, Instrument: domain.Instrument(inst), Err: err}
		}
		if sig != nil {
			signals = append(signals, TimedSignal{Time: row.Time, Signal: sig})
		}
	}

	e.logger.Info("strategy run complete",
		"strategy", strat.Name(),
		"rows", window.Len(),
		"signals", len(signals),
		"skipped", skipped,
	)
	return signals, nil
}
