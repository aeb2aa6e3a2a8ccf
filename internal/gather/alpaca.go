package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"mybacktest/internal/domain"
	"mybacktest/internal/store"
	"mybacktest/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ Gatherer = (*AlpacaGatherer)(nil)
var _ barsClient = (*marketdata.Client)(nil)

// barsClient is the part of the Alpaca market-data client used here.
type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaOptions configures an AlpacaGatherer.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string

	RateLimitPerMin int
	Burst           int
	MaxRetries      int
}

// Job names the series an AlpacaGatherer downloads.
type Job struct {
	Instruments []domain.Instrument
	Periods     []domain.Period
	Range       DateRange
}

// ---------------------------------------------------------------------------
// AlpacaGatherer: historical OHLCV bars from the Alpaca API.
// ---------------------------------------------------------------------------

// AlpacaGatherer downloads bars for every (instrument, period) pair of a Job
// and merges them into a bar store.
type AlpacaGatherer struct {
	client     barsClient
	store      store.BarStore
	job        Job
	feed       string
	limiter    *util.RateLimiter
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewAlpacaGatherer creates an AlpacaGatherer configured with the given
// Alpaca credentials, target store and job.
func NewAlpacaGatherer(opts AlpacaOptions, s store.BarStore, job Job, logger *slog.Logger) *AlpacaGatherer {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newAlpacaGatherer(marketdata.NewClient(clientOpts), opts, s, job, logger)
}

func newAlpacaGatherer(client barsClient, opts AlpacaOptions, s store.BarStore, job Job, logger *slog.Logger) *AlpacaGatherer {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &AlpacaGatherer{
		client:     client,
		store:      s,
		job:        job,
		feed:       opts.Feed,
		limiter:    util.NewBurstRateLimiter(opts.RateLimitPerMin, opts.Burst),
		maxRetries: maxRetries,
		retryDelay: time.Second,
		log:        logger.With("gatherer", "alpaca"),
	}
}

// Name returns the gatherer identifier.
func (g *AlpacaGatherer) Name() string { return "alpaca" }

// Run fetches every series of the job. A failing series is logged and the
// remaining series are still fetched; the failures are returned joined.
func (g *AlpacaGatherer) Run(ctx context.Context) error {
	if len(g.job.Instruments) == 0 || len(g.job.Periods) == 0 {
		return domain.ErrEmptyUniverse
	}
	// Validate every period up front so a typo does not surface halfway.
	for _, p := range g.job.Periods {
		if _, err := TimeFrame(p); err != nil {
			return err
		}
	}

	runStart := time.Now()
	var (
		errs  []error
		total int
	)
	for _, inst := range g.job.Instruments {
		for _, p := range g.job.Periods {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := g.Fetch(ctx, inst, p, g.job.Range)
			if err != nil {
				g.log.Error("fetch failed", "instrument", inst, "period", p, "error", err)
				errs = append(errs, err)
				continue
			}
			total += n
		}
	}

	g.log.Info("gather complete",
		"series", len(g.job.Instruments)*len(g.job.Periods),
		"bars", total,
		"failed", len(errs),
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return errors.Join(errs...)
}

// Fetch downloads one series and writes it to the store, returning the
// number of bars written.
func (g *AlpacaGatherer) Fetch(ctx context.Context, inst domain.Instrument, period domain.Period, rng DateRange) (int, error) {
	// Alpaca symbols are upper case; the store keys on the same name.
	inst = domain.Instrument(strings.ToUpper(strings.TrimSpace(string(inst))))
	tf, err := TimeFrame(period)
	if err != nil {
		return 0, err
	}
	req := marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     rng.Start,
		End:       rng.End,
	}
	if g.feed != "" {
		req.Feed = g.feed
	}

	var raw []marketdata.Bar
	err = util.Retry(ctx, g.maxRetries, g.retryDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		bars, ferr := g.client.GetBars(string(inst), req)
		raw = bars
		return ferr
	})
	if err != nil {
		return 0, fmt.Errorf("fetching %s/%s: %w", inst, period, err)
	}
	if len(raw) == 0 {
		g.log.Warn("no bars returned", "instrument", inst, "period", period)
		return 0, nil
	}

	bars := make([]domain.Bar, len(raw))
	for i, ab := range raw {
		bars[i] = domain.Bar{
			Instrument: inst,
			Period:     period,
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     float64(ab.Volume),
		}
	}
	if err := g.store.WriteBars(ctx, bars); err != nil {
		return 0, fmt.Errorf("writing %s/%s: %w", inst, period, err)
	}
	g.log.Info("series fetched", "instrument", inst, "period", period, "bars", len(bars))
	return len(bars), nil
}

// TimeFrame maps a period onto the Alpaca bar timeframe with the coarsest
// unit that divides it. Alpaca accepts 1-59 minutes, 1-23 hours, one day or
// one week.
func TimeFrame(p domain.Period) (marketdata.TimeFrame, error) {
	d, err := p.Duration()
	if err != nil {
		return marketdata.TimeFrame{}, err
	}
	const (
		day  = 24 * time.Hour
		week = 7 * day
	)
	var (
		n     int
		unit  marketdata.TimeFrameUnit
		limit int
	)
	switch {
	case d%week == 0:
		n, unit, limit = int(d/week), marketdata.Week, 1
	case d%day == 0:
		n, unit, limit = int(d/day), marketdata.Day, 1
	case d%time.Hour == 0:
		n, unit, limit = int(d/time.Hour), marketdata.Hour, 23
	default:
		n, unit, limit = int(d/time.Minute), marketdata.Min, 59
	}
	if n < 1 || n > limit {
		return marketdata.TimeFrame{}, fmt.Errorf("%w: period %s has no Alpaca timeframe", domain.ErrConfig, p)
	}
	return marketdata.NewTimeFrame(n, unit), nil
}
