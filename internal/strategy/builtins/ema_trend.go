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

// EMATrendName is the registry name of the EMA trend strategy.
const EMATrendName = "ema-trend"

// Compile-time interface check.
var _ strategy.Strategy = (*EMATrend)(nil)

// EMATrendConfig holds the tunables of the EMA trend strategy.
type EMATrendConfig struct {
	Instrument domain.Instrument
	FastPeriod domain.Period
	SlowPeriod domain.Period

	// FastWindows and SlowWindows are the (short, long) EMA windows of the
	// minor and major trend.
	FastWindows [2]int
	SlowWindows [2]int

	StopOffset float64

	// Tiers are the position sizes reached in order. TierAdvances[i] is the
	// favorable move from the last tier price needed to reach Tiers[i];
	// TierAdvances[0] is unused because the first tier is the entry.
	Tiers        []float64
	TierAdvances []float64
}

// DefaultEMATrendConfig returns the 15m/1h, 20/50/100% configuration.
func DefaultEMATrendConfig(inst domain.Instrument) EMATrendConfig {
	return EMATrendConfig{
		Instrument:   inst,
		FastPeriod:   "15m",
		SlowPeriod:   "1h",
		FastWindows:  [2]int{5, 12},
		SlowWindows:  [2]int{12, 20},
		StopOffset:   0.1,
		Tiers:        []float64{0.2, 0.5, 1.0},
		TierAdvances: []float64{0, 0.10, 0.20},
	}
}

// EMATrend trades when the major trend (slow EMAs) and minor trend (fast
// EMAs) agree, scaling in through the configured tiers and exiting on a
// trailing stop. All EMAs are fed from the fast-period close, including the
// slow ones.
type EMATrend struct {
	cfg  EMATrendConfig
	fast [2]*indicator.EMA
	slow [2]*indicator.EMA
	pos  position.Position
	tier int
}

// NewEMATrend creates an EMATrend from a validated configuration.
func NewEMATrend(cfg EMATrendConfig) (*EMATrend, error) {
	if cfg.Instrument == "" {
		return nil, fmt.Errorf("%w: instrument is required", domain.ErrInvalidParam)
	}
	if len(cfg.Tiers) == 0 || len(cfg.Tiers) != len(cfg.TierAdvances) {
		return nil, fmt.Errorf("%w: tiers and tier_advances must be non-empty and equal length", domain.ErrInvalidParam)
	}
	prev := 0.0
	for _, size := range cfg.Tiers {
		if size <= prev || size > 1 {
			return nil, fmt.Errorf("%w: tiers must increase within (0, 1], got %v", domain.ErrInvalidParam, cfg.Tiers)
		}
		prev = size
	}
	if cfg.StopOffset <= 0 || cfg.StopOffset >= 1 {
		return nil, fmt.Errorf("%w: stop_offset must be in (0, 1), got %v", domain.ErrInvalidParam, cfg.StopOffset)
	}

	s := &EMATrend{cfg: cfg, pos: position.Position{Instrument: cfg.Instrument, Side: domain.SideFlat}}
	for i := 0; i < 2; i++ {
		var err error
		if s.fast[i], err = indicator.NewEMA(cfg.FastWindows[i]); err != nil {
			return nil, err
		}
		if s.slow[i], err = indicator.NewEMA(cfg.SlowWindows[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewEMATrendFromParams is the registry Factory for EMATrend.
func NewEMATrendFromParams(p strategy.Params) (strategy.Strategy, error) {
	inst, err := p.Instrument("instrument")
	if err != nil {
		return nil, err
	}
	cfg := DefaultEMATrendConfig(inst)

	if cfg.FastPeriod, err = p.Period("fast_period", cfg.FastPeriod); err != nil {
		return nil, err
	}
	if cfg.SlowPeriod, err = p.Period("slow_period", cfg.SlowPeriod); err != nil {
		return nil, err
	}
	if cfg.FastWindows, err = windowPair(p, "fast_windows", cfg.FastWindows); err != nil {
		return nil, err
	}
	if cfg.SlowWindows, err = windowPair(p, "slow_windows", cfg.SlowWindows); err != nil {
		return nil, err
	}
	if cfg.StopOffset, err = p.Float("stop_offset", cfg.StopOffset); err != nil {
		return nil, err
	}
	if cfg.Tiers, err = p.Floats("tiers", cfg.Tiers); err != nil {
		return nil, err
	}
	if cfg.TierAdvances, err = p.Floats("tier_advances", cfg.TierAdvances); err != nil {
		return nil, err
	}
	return NewEMATrend(cfg)
}

func windowPair(p strategy.Params, key string, def [2]int) ([2]int, error) {
	ws, err := p.Ints(key, def[:])
	if err != nil {
		return def, err
	}
	if len(ws) != 2 {
		return def, fmt.Errorf("%w: %s needs exactly two windows, got %v", domain.ErrInvalidParam, key, ws)
	}
	return [2]int{ws[0], ws[1]}, nil
}

// Name returns "ema-trend".
func (s *EMATrend) Name() string { return EMATrendName }

// Init is a no-op; all state is allocated by the constructor.
func (s *EMATrend) Init(_ context.Context) error { return nil }

// OnRow evaluates one aligned row.
func (s *EMATrend) OnRow(_ context.Context, row align.Row) (domain.Signal, error) {
	price, ok := row.Close(s.cfg.Instrument, s.cfg.FastPeriod)
	if !ok {
		return nil, nil
	}
	// The first EMA rejects a non-finite price before any state changes.
	for _, e := range []*indicator.EMA{s.fast[0], s.fast[1], s.slow[0], s.slow[1]} {
		if err := e.Update(price); err != nil {
			return nil, err
		}
	}

	major := trend(s.slow[0], s.slow[1])
	minor := trend(s.fast[0], s.fast[1])

	var sig domain.Signal
	if major != domain.SideFlat && major == minor {
		sig = s.advance(major, price)
	}

	// The stop check runs last and overrides anything decided above.
	if s.pos.IsOpen() && s.pos.StopHit(price) {
		sig = domain.Close{Instrument: s.cfg.Instrument, Reason: domain.ReasonStopLoss}
		s.pos = position.Position{Instrument: s.cfg.Instrument, Side: domain.SideFlat}
		s.tier = 0
	}

	s.pos.Trail(price, s.cfg.StopOffset)
	return sig, nil
}

// advance opens the first tier when flat or scales to the next tier once
// price clears the advance from the last tier price.
func (s *EMATrend) advance(side domain.Side, price float64) domain.Signal {
	if !s.pos.IsOpen() {
		stop := position.StopFor(side, price, s.cfg.StopOffset)
		s.pos = position.Position{
			Instrument:   s.cfg.Instrument,
			Side:         side,
			Size:         s.cfg.Tiers[0],
			EntryPrice:   price,
			StopLoss:     stop,
			ExtremePrice: price,
			TierPrice:    price,
		}
		s.tier = 0
		return domain.Enter{Instrument: s.cfg.Instrument, Side: side, Size: s.cfg.Tiers[0], StopLoss: stop}
	}

	next := s.tier + 1
	if s.pos.Side != side || next >= len(s.cfg.Tiers) {
		return nil
	}
	if !s.pos.Beyond(price, s.pos.TierPrice, s.cfg.TierAdvances[next]) {
		return nil
	}
	s.tier = next
	s.pos.Size = s.cfg.Tiers[next]
	s.pos.TierPrice = price
	s.pos.Trail(price, s.cfg.StopOffset)
	return domain.Scale{Instrument: s.cfg.Instrument, Size: s.pos.Size, StopLoss: s.pos.StopLoss}
}

// Position returns the strategy's private view of its position.
func (s *EMATrend) Position() position.Position { return s.pos }

func trend(short, long *indicator.EMA) domain.Side {
	a, okA := short.Value()
	b, okB := long.Value()
	switch {
	case !okA || !okB:
		return domain.SideFlat
	case a > b:
		return domain.SideLong
	case a < b:
		return domain.SideShort
	default:
		return domain.SideFlat
	}
}
