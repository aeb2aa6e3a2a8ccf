// Package report replays a trade log into a balance trajectory and summary
// performance metrics.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"mybacktest/internal/domain"
)

// DefaultInitialBalance is used when an Analyzer has no balance configured.
var DefaultInitialBalance = decimal.NewFromInt(100000)

// Weighting selects how position size scales a round trip's return.
type Weighting int

const (
	// WeightNone compounds the full price ratio of every round trip
	// regardless of the position size.
	WeightNone Weighting = iota
	// WeightBySize compounds 1 + size*(ratio-1), using the size at close.
	WeightBySize
)

// ParseWeighting maps "none" and "size" to a Weighting.
func ParseWeighting(s string) (Weighting, error) {
	switch s {
	case "", "none":
		return WeightNone, nil
	case "size":
		return WeightBySize, nil
	default:
		return WeightNone, fmt.Errorf("%w: unknown weighting %q", domain.ErrConfig, s)
	}
}

func (w Weighting) String() string {
	if w == WeightBySize {
		return "size"
	}
	return "none"
}

// Point is the balance after one closed round trip.
type Point struct {
	Time       time.Time
	TradeID    int
	Instrument domain.Instrument
	Side       domain.Side
	EntryPrice float64
	ClosePrice float64
	Factor     decimal.Decimal
	Balance    decimal.Decimal
}

// Report summarizes a backtest. The zero Report is the empty report
// produced for an empty trade log.
type Report struct {
	InitialBalance decimal.Decimal
	FinalBalance   decimal.Decimal
	TotalReturn    decimal.Decimal
	Trades         int
	Wins           int
	Losses         int
	WinRate        decimal.Decimal
	MaxDrawdown    decimal.Decimal
	Trajectory     []Point
}

// Empty reports whether r carries no results.
func (r Report) Empty() bool {
	return r.Trades == 0 && len(r.Trajectory) == 0 && r.InitialBalance.IsZero()
}

// Analyzer computes a Report from a trade log.
type Analyzer struct {
	InitialBalance decimal.Decimal
	Weighting      Weighting

	// SkipOpen ignores round trips that were never closed instead of
	// failing with ErrUnpairedTrade.
	SkipOpen bool
}

type trip struct {
	entry domain.TradeEvent
	size  float64
}

// Generate replays events in Seq order. Round trips are paired by TradeID;
// the factor of a long is close/entry and of a short entry/close, where
// entry is the opening price of the round trip.
func (a Analyzer) Generate(events []domain.TradeEvent) (Report, error) {
	if len(events) == 0 {
		return Report{}, nil
	}
	initial := a.InitialBalance
	if initial.IsZero() {
		initial = DefaultInitialBalance
	}

	ordered := make([]domain.TradeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	rep := Report{InitialBalance: initial}
	balance := initial
	peak := initial
	maxDD := decimal.Zero
	open := make(map[int]*trip)

	for _, ev := range ordered {
		switch {
		case ev.Kind.IsEntry():
			if _, dup := open[ev.TradeID]; dup {
				return Report{}, fmt.Errorf("%w: %s trade %d entered twice", domain.ErrUnpairedTrade, ev.Instrument, ev.TradeID)
			}
			open[ev.TradeID] = &trip{entry: ev, size: ev.Size}

		case ev.Kind == domain.EventAdd:
			tr, ok := open[ev.TradeID]
			if !ok {
				return Report{}, fmt.Errorf("%w: %s trade %d add without entry", domain.ErrUnpairedTrade, ev.Instrument, ev.TradeID)
			}
			tr.size = ev.Size

		case ev.Kind == domain.EventClose:
			tr, ok := open[ev.TradeID]
			if !ok {
				return Report{}, fmt.Errorf("%w: %s trade %d close without entry", domain.ErrUnpairedTrade, ev.Instrument, ev.TradeID)
			}
			delete(open, ev.TradeID)

			factor, err := a.factor(tr, ev)
			if err != nil {
				return Report{}, err
			}
			balance = balance.Mul(factor)
			rep.Trades++
			switch factor.Cmp(decimal.NewFromInt(1)) {
			case 1:
				rep.Wins++
			case -1:
				rep.Losses++
			}
			if balance.GreaterThan(peak) {
				peak = balance
			} else if dd := peak.Sub(balance).Div(peak); dd.GreaterThan(maxDD) {
				maxDD = dd
			}
			rep.Trajectory = append(rep.Trajectory, Point{
				Time:       ev.Timestamp,
				TradeID:    ev.TradeID,
				Instrument: ev.Instrument,
				Side:       tr.entry.Side,
				EntryPrice: tr.entry.Price,
				ClosePrice: ev.Price,
				Factor:     factor,
				Balance:    balance,
			})

		default:
			return Report{}, fmt.Errorf("%w: unknown event kind %q", domain.ErrData, ev.Kind)
		}
	}

	if len(open) > 0 && !a.SkipOpen {
		ids := make([]int, 0, len(open))
		for id := range open {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		tr := open[ids[0]]
		return Report{}, fmt.Errorf("%w: %s trade %d never closed", domain.ErrUnpairedTrade, tr.entry.Instrument, ids[0])
	}

	rep.FinalBalance = balance
	rep.TotalReturn = balance.Sub(initial).Div(initial)
	rep.MaxDrawdown = maxDD
	if rep.Trades > 0 {
		rep.WinRate = decimal.NewFromInt(int64(rep.Wins)).Div(decimal.NewFromInt(int64(rep.Trades)))
	}
	return rep, nil
}

func (a Analyzer) factor(tr *trip, closeEv domain.TradeEvent) (decimal.Decimal, error) {
	if tr.entry.Price == 0 {
		return decimal.Zero, fmt.Errorf("%s trade %d: %w", tr.entry.Instrument, tr.entry.TradeID, domain.ErrZeroEntry)
	}
	if closeEv.Price == 0 && tr.entry.Side == domain.SideShort {
		return decimal.Zero, fmt.Errorf("%w: %s trade %d closed at zero", domain.ErrNumeric, closeEv.Instrument, closeEv.TradeID)
	}
	entry := decimal.NewFromFloat(tr.entry.Price)
	exit := decimal.NewFromFloat(closeEv.Price)

	var f decimal.Decimal
	switch tr.entry.Side {
	case domain.SideLong:
		f = exit.Div(entry)
	case domain.SideShort:
		f = entry.Div(exit)
	default:
		return decimal.Zero, fmt.Errorf("%w: %s trade %d has side %q", domain.ErrData, tr.entry.Instrument, tr.entry.TradeID, tr.entry.Side)
	}
	if a.Weighting == WeightBySize {
		one := decimal.NewFromInt(1)
		f = one.Add(decimal.NewFromFloat(tr.size).Mul(f.Sub(one)))
	}
	return f, nil
}
