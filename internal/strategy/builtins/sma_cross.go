// Package builtins provides the strategy implementations that ship with the
// backtester.
package builtins

import (
	"context"
	"fmt"

	"mybacktest/internal/align"
	"mybacktest/internal/domain"
	"mybacktest/internal/indicator"
	"mybacktest/internal/position"
	"mybacktest/internal/strategy"
)

// SMACrossName is the registry name of the SMA crossover strategy.
const SMACrossName = "sma-cross"

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It enters
// long when the short-period SMA crosses above the long-period SMA and
// closes when it crosses back below.
type SMACross struct {
	instrument domain.Instrument
	period     domain.Period
	size       float64
	stopOffset float64

	short *indicator.SMA
	long  *indicator.SMA

	prevAbove bool
	primed    bool
	pos       position.Position
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average windows.
func NewSMACross(inst domain.Instrument, period domain.Period, short, long int) (*SMACross, error) {
	if short >= long {
		return nil, fmt.Errorf("%w: short window %d must be below long window %d", domain.ErrInvalidParam, short, long)
	}
	s, err := indicator.NewSMA(short)
	if err != nil {
		return nil, err
	}
	l, err := indicator.NewSMA(long)
	if err != nil {
		return nil, err
	}
	return &SMACross{
		instrument: inst,
		period:     period,
		size:       1.0,
		stopOffset: 0.1,
		short:      s,
		long:       l,
		pos:        position.Position{Instrument: inst, Side: domain.SideFlat},
	}, nil
}

// NewSMACrossFromParams is the registry Factory for SMACross.
func NewSMACrossFromParams(p strategy.Params) (strategy.Strategy, error) {
	inst, err := p.Instrument("instrument")
	if err != nil {
		return nil, err
	}
	period, err := p.Period("period", "1d")
	if err != nil {
		return nil, err
	}
	short, err := p.Int("short", 10)
	if err != nil {
		return nil, err
	}
	long, err := p.Int("long", 30)
	if err != nil {
		return nil, err
	}
	s, err := NewSMACross(inst, period, short, long)
	if err != nil {
		return nil, err
	}
	if s.size, err = p.Float("size", s.size); err != nil {
		return nil, err
	}
	if s.stopOffset, err = p.Float("stop_offset", s.stopOffset); err != nil {
		return nil, err
	}
	if s.size <= 0 || s.size > 1 {
		return nil, fmt.Errorf("%w: size must be in (0, 1], got %v", domain.ErrInvalidParam, s.size)
	}
	return s, nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Init performs any setup required by the SMA crossover strategy.
func (s *SMACross) Init(_ context.Context) error {
	return nil
}

// OnRow feeds the row close into both SMAs and reports a crossover.
func (s *SMACross) OnRow(_ context.Context, row align.Row) (domain.Signal, error) {
	price, ok := row.Close(s.instrument, s.period)
	if !ok {
		return nil, nil
	}
	if err := s.short.Update(price); err != nil {
		return nil, err
	}
	if err := s.long.Update(price); err != nil {
		return nil, err
	}

	var sig domain.Signal
	sv, okS := s.short.Value()
	lv, okL := s.long.Value()
	if okS && okL {
		above := sv > lv
		switch {
		case !s.primed:
			s.primed = true
		case above && !s.prevAbove && !s.pos.IsOpen():
			stop := position.StopFor(domain.SideLong, price, s.stopOffset)
			s.pos = position.Position{
				Instrument: s.instrument, Side: domain.SideLong, Size: s.size,
				EntryPrice: price, StopLoss: stop, ExtremePrice: price, TierPrice: price,
			}
			sig = domain.Enter{Instrument: s.instrument, Side: domain.SideLong, Size: s.size, StopLoss: stop}
		case !above && s.prevAbove && s.pos.IsOpen():
			sig = domain.Close{Instrument: s.instrument, Reason: domain.ReasonSignal}
			s.pos = position.Position{Instrument: s.instrument, Side: domain.SideFlat}
		}
		s.prevAbove = above
	}

	if sig == nil && s.pos.IsOpen() && s.pos.StopHit(price) {
		sig = domain.Close{Instrument: s.instrument, Reason: domain.ReasonStopLoss}
		s.pos = position.Position{Instrument: s.instrument, Side: domain.SideFlat}
	}
	s.pos.Trail(price, s.stopOffset)
	return sig, nil
}
