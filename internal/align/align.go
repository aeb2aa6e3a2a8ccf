// Package align merges per-(instrument, period) bar series into a single
// timestamp-indexed table with namespaced columns.
package align

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mybacktest/internal/domain"
	"mybacktest/internal/store"
)

// Aligner loads bar series through a SeriesLoader and full-outer-joins them
// on timestamp.
type Aligner struct {
	loader store.SeriesLoader
	logger *slog.Logger
}

// New creates an Aligner. A nil logger falls back to slog.Default().
func New(loader store.SeriesLoader, logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{loader: loader, logger: logger}
}

type seriesKey struct {
	inst   domain.Instrument
	period domain.Period
}

// Merge loads every (instrument, period) pair, instruments outer and periods
// inner, and joins them into one Table. Duplicate instruments or periods keep
// their first occurrence. The row index is the union of all timestamps and
// missing cells are null.
func (a *Aligner) Merge(ctx context.Context, instruments []domain.Instrument, periods []domain.Period) (*Table, error) {
	instruments = dedupe(instruments)
	periods = dedupe(periods)
	if len(instruments) == 0 || len(periods) == 0 {
		return nil, domain.ErrEmptyUniverse
	}

	var (
		keys    []seriesKey
		series  = make(map[seriesKey][]domain.Bar)
		stamps  = make(map[int64]time.Time)
		columns []string
	)
	for _, inst := range instruments {
		for _, p := range periods {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			bars, err := a.loader.LoadSeries(ctx, inst, p)
			if err != nil {
				return nil, fmt.Errorf("loading %s/%s: %w", inst, p, err)
			}
			if err := checkMonotonic(inst, p, bars); err != nil {
				return nil, err
			}
			k := seriesKey{inst, p}
			keys = append(keys, k)
			series[k] = bars
			for _, f := range Fields {
				columns = append(columns, ColumnName(inst, p, f))
			}
			for _, b := range bars {
				stamps[b.Timestamp.UnixNano()] = b.Timestamp
			}
			a.logger.Debug("series loaded", "instrument", inst, "period", p, "bars", len(bars))
		}
	}

	times := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	rowOf := make(map[int64]int, len(times))
	for i, ts := range times {
		rowOf[ts.UnixNano()] = i
	}

	t := newTable(columns, times)
	for si, k := range keys {
		base := si * len(Fields)
		for _, b := range series[k] {
			r := rowOf[b.Timestamp.UnixNano()]
			vals := [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume}
			for f, v := range vals {
				t.values[r][base+f] = v
				t.present[r][base+f] = true
			}
		}
	}

	a.logger.Info("series aligned",
		"instruments", len(instruments),
		"periods", len(periods),
		"rows", t.Len(),
	)
	return t, nil
}

func checkMonotonic(inst domain.Instrument, p domain.Period, bars []domain.Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: %s/%s at %s",
				domain.ErrNonMonotonic, inst, p, bars[i].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

func dedupe[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
