// Package engine runs complete backtests: it aligns the requested series,
// replays them through a strategy, executes the resulting signals against a
// position manager and analyzes the trade log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"mybacktest/internal/align"
	"mybacktest/internal/domain"
	"mybacktest/internal/position"
	"mybacktest/internal/report"
	"mybacktest/internal/store"
	"mybacktest/internal/strategy"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// RunConfig describes one backtest run.
type RunConfig struct {
	Instruments []domain.Instrument
	Periods     []domain.Period

	// PricePeriod selects the close used to execute signals. Empty means
	// the first entry of Periods.
	PricePeriod domain.Period

	// Start and End bound the evaluated rows inclusively. Zero bounds are
	// open.
	Start time.Time
	End   time.Time

	Strategy string
	Params   strategy.Params

	InitialBalance decimal.Decimal
	Weighting      report.Weighting
	Policy         position.Policy

	// CloseAtEnd force-closes positions still open after the last row.
	CloseAtEnd bool
}

// Validate reports configuration errors that would prevent the run.
func (c RunConfig) Validate() error {
	if len(c.Instruments) == 0 || len(c.Periods) == 0 {
		return domain.ErrEmptyUniverse
	}
	if c.Strategy == "" {
		return domain.ErrNoStrategy
	}
	if !c.Start.IsZero() && !c.End.IsZero() && c.Start.After(c.End) {
		return fmt.Errorf("%w: %s > %s", domain.ErrInvalidRange,
			c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
	}
	if c.PricePeriod != "" && !slices.Contains(c.Periods, c.PricePeriod) {
		return fmt.Errorf("%w: price period %s is not among the loaded periods", domain.ErrConfig, c.PricePeriod)
	}
	if c.InitialBalance.IsNegative() {
		return fmt.Errorf("%w: initial balance %s is negative", domain.ErrConfig, c.InitialBalance)
	}
	if off := c.Policy.StopOffset; math.IsNaN(off) || off < 0 || off >= 1 {
		return fmt.Errorf("%w: stop offset %g outside [0, 1)", domain.ErrConfig, off)
	}

	// Strategies mirror their positions and must trail at the manager's offset.
	if c.Params.Has("stop_offset") {
		off, err := c.Params.Float("stop_offset", c.Policy.StopOffset)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConfig, err)
		}
		if off != c.Policy.StopOffset {
			return fmt.Errorf("%w: strategy stop_offset %g differs from position stop offset %g",
				domain.ErrConfig, off, c.Policy.StopOffset)
		}
	}
	if key, p, ok := c.signalPeriod(); ok && p != c.pricePeriod() {
		return fmt.Errorf("%w: strategy %s %s differs from price period %s",
			domain.ErrConfig, key, p, c.pricePeriod())
	}
	return nil
}

// signalPeriodKeys name the params builtin strategies read their signal
// price from.
var signalPeriodKeys = []string{"fast_period", "period"}

func (c RunConfig) signalPeriod() (string, domain.Period, bool) {
	for _, key := range signalPeriodKeys {
		if p, err := c.Params.Period(key, ""); err == nil && p != "" {
			return key, p, true
		}
	}
	return "", "", false
}

// pricePeriod returns PricePeriod, else the strategy's signal period when it
// is loaded, else the first period.
func (c RunConfig) pricePeriod() domain.Period {
	if c.PricePeriod != "" {
		return c.PricePeriod
	}
	if _, p, ok := c.signalPeriod(); ok && slices.Contains(c.Periods, p) {
		return p
	}
	return c.Periods[0]
}

// params returns a copy of the strategy params with "instrument" defaulted
// to the sole instrument of a single-instrument run and "stop_offset" to
// the position policy.
func (c RunConfig) params() strategy.Params {
	out := make(strategy.Params, len(c.Params)+2)
	for k, v := range c.Params {
		out[k] = v
	}
	if !out.Has("instrument") && len(c.Instruments) == 1 {
		out["instrument"] = string(c.Instruments[0])
	}
	if !out.Has("stop_offset") {
		out["stop_offset"] = c.Policy.StopOffset
	}
	return out
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Result is the outcome of one backtest run.
type Result struct {
	RunID   string
	Signals []strategy.TimedSignal
	Trades  []domain.TradeEvent
	Report  report.Report

	// Skipped counts signals that were rejected or could not be executed.
	Skipped int

	// TradeLogPath is set when the trade log was exported.
	TradeLogPath string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used by the runner and the components it
// builds.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithRunStore persists every completed run.
func WithRunStore(rs store.RunStore) Option {
	return func(r *Runner) { r.runs = rs }
}

// WithTradeLogWriter exports the trade log of every completed run.
func WithTradeLogWriter(w store.TradeLogWriter) Option {
	return func(r *Runner) { r.tradeLog = w }
}

// WithRiskManager replaces the default full-allocation risk checks.
func WithRiskManager(rm *RiskManager) Option {
	return func(r *Runner) { r.risk = rm }
}

// Runner executes backtests against a series loader. Every call to Run
// builds fresh strategy and position state, so a Runner may serve
// concurrent runs as long as its loader and stores are safe for concurrent
// use.
type Runner struct {
	loader   store.SeriesLoader
	registry *strategy.Registry
	logger   *slog.Logger
	runs     store.RunStore
	tradeLog store.TradeLogWriter
	risk     *RiskManager
}

// NewRunner creates a Runner that loads series from loader and resolves
// strategies by name in registry.
func NewRunner(loader store.SeriesLoader, registry *strategy.Registry, opts ...Option) *Runner {
	r := &Runner{
		loader:   loader,
		registry: registry,
		logger:   slog.Default(),
		risk:     NewRiskManager(1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run executes one backtest. Configuration and data errors abort the run;
// signals that cannot be executed are logged and skipped.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, err := r.registry.Lookup(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	runID := store.NewRunID()
	logger := r.logger.With("run_id", runID, "strategy", cfg.Strategy)

	table, err := align.New(r.loader, logger).Merge(ctx, cfg.Instruments, cfg.Periods)
	if err != nil {
		return nil, fmt.Errorf("aligning series: %w", err)
	}

	eng := strategy.NewEngine(logger)
	eng.Load(factory)
	signals, err := eng.Run(ctx, table, cfg.Start, cfg.End, cfg.params())
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: runID, Signals: signals}
	mgr := position.NewManager(cfg.Policy, logger)
	pricePeriod := cfg.pricePeriod()

	var (
		next     int
		lastTime time.Time
		last     = make(map[domain.Instrument]float64, len(cfg.Instruments))
	)
	for _, row := range table.Between(cfg.Start, cfg.End).Rows() {
		prices := make(map[domain.Instrument]float64, len(cfg.Instruments))
		for _, inst := range cfg.Instruments {
			if p, ok := row.Close(inst, pricePeriod); ok {
				prices[inst] = p
				last[inst] = p
			}
		}

		for ; next < len(signals) && signals[next].Time.Equal(row.Time); next++ {
			if err := r.execute(mgr, signals[next], prices, logger); err != nil {
				if !skippable(err) {
					return nil, &domain.RowError{Time: row.Time, Instrument: signals[next].Signal.Target(), Err: err}
				}
				res.Skipped++
				logger.Warn("signal skipped",
					"instrument", signals[next].Signal.Target(), "time", row.Time, "error", err)
			}
		}

		mgr.UpdateTrailingStop(row.Time, prices)
		lastTime = row.Time
	}

	if cfg.CloseAtEnd && len(mgr.Open()) > 0 {
		closed := mgr.CloseAll(lastTime, last, domain.ReasonEndOfRun)
		logger.Info("closed open positions at end of run", "count", len(closed), "time", lastTime)
	}

	res.Trades = mgr.Log()
	analyzer := report.Analyzer{
		InitialBalance: cfg.InitialBalance,
		Weighting:      cfg.Weighting,
		SkipOpen:       !cfg.CloseAtEnd,
	}
	res.Report, err = analyzer.Generate(res.Trades)
	if err != nil {
		return nil, fmt.Errorf("analyzing run %s: %w", runID, err)
	}

	if err := r.persist(ctx, cfg, res); err != nil {
		return nil, err
	}

	logger.Info("backtest complete",
		"signals", len(res.Signals),
		"events", len(res.Trades),
		"skipped", res.Skipped,
		"trades", res.Report.Trades,
		"total_return", res.Report.TotalReturn.String(),
	)
	return res, nil
}

func (r *Runner) execute(mgr *position.Manager, ts strategy.TimedSignal, prices map[domain.Instrument]float64, logger *slog.Logger) error {
	if err := r.risk.CheckSignal(ts.Signal); err != nil {
		return err
	}
	inst := ts.Signal.Target()
	price, ok := prices[inst]
	if !ok {
		return fmt.Errorf("%w: no price for %s", domain.ErrNumeric, inst)
	}
	ev, ok, err := mgr.Execute(ts.Signal, ts.Time, price)
	if err != nil {
		return err
	}
	if ok {
		logger.Debug("trade event",
			"instrument", inst, "time", ts.Time, "kind", ev.Kind, "price", ev.Price, "size", ev.Size)
	}
	return nil
}

// skippable reports whether an execution failure only affects the signal
// that caused it.
func skippable(err error) bool {
	return errors.Is(err, domain.ErrNumeric) ||
		errors.Is(err, domain.ErrPositionConflict) ||
		errors.Is(err, domain.ErrNoPosition) ||
		errors.Is(err, ErrRiskLimit)
}

func (r *Runner) persist(ctx context.Context, cfg RunConfig, res *Result) error {
	if r.tradeLog != nil && len(res.Trades) > 0 {
		path, err := r.tradeLog.WriteTradeLog(ctx, res.RunID, res.Trades)
		if err != nil {
			return fmt.Errorf("exporting trade log of run %s: %w", res.RunID, err)
		}
		res.TradeLogPath = path
	}
	if r.runs == nil {
		return nil
	}

	rep := res.Report
	if rep.Empty() {
		rep.InitialBalance = cfg.InitialBalance
		if rep.InitialBalance.IsZero() {
			rep.InitialBalance = report.DefaultInitialBalance
		}
		rep.FinalBalance = rep.InitialBalance
	}
	rec := &store.RunRecord{
		ID:             res.RunID,
		Strategy:       cfg.Strategy,
		Instruments:    toStrings(cfg.Instruments),
		Periods:        toStrings(cfg.Periods),
		Start:          cfg.Start,
		End:            cfg.End,
		Params:         map[string]any(cfg.params()),
		InitialBalance: rep.InitialBalance.String(),
		FinalBalance:   rep.FinalBalance.String(),
		TotalReturn:    rep.TotalReturn.String(),
		Trades:         rep.Trades,
	}
	if err := r.runs.SaveRun(ctx, rec, res.Trades); err != nil {
		return fmt.Errorf("saving run %s: %w", res.RunID, err)
	}
	return nil
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
