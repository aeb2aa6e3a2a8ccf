// Package position holds per-instrument position state, applies entry,
// scale and close signals, trails stop-losses and records the trade log.
package position

import (
	"math"
	"time"

	"mybacktest/internal/domain"
)

// Policy configures how the Manager derives and trails stop-losses.
type Policy struct {
	// StopOffset is the fractional distance of the stop from the extreme
	// price, e.g. 0.1 puts a long stop 10% below the highest price seen.
	StopOffset float64 `yaml:"stop_offset"`
}

// DefaultPolicy returns the 10% trailing stop policy.
func DefaultPolicy() Policy {
	return Policy{StopOffset: 0.1}
}

// StopFor returns the stop level for a position of the given side whose
// favorable extreme is extreme.
func StopFor(side domain.Side, extreme, offset float64) float64 {
	switch side {
	case domain.SideLong:
		return extreme * (1 - offset)
	case domain.SideShort:
		return extreme * (1 + offset)
	default:
		return 0
	}
}

// Tighter returns whichever of current and proposed is the tighter stop for
// side. A zero current stop is treated as unset.
func Tighter(side domain.Side, current, proposed float64) float64 {
	if current == 0 {
		return proposed
	}
	switch side {
	case domain.SideLong:
		return math.Max(current, proposed)
	case domain.SideShort:
		return math.Min(current, proposed)
	default:
		return current
	}
}

// Position is the open state of one instrument. The zero value is flat.
type Position struct {
	Instrument domain.Instrument
	Side       domain.Side
	Size       float64
	EntryPrice float64
	StopLoss   float64

	// ExtremePrice is the best price since entry: the highest for longs and
	// the lowest for shorts. It drives the trailing stop.
	ExtremePrice float64

	// TierPrice is the extreme recorded at the last tier transition and is
	// the reference for the next scale-in threshold.
	TierPrice float64

	TradeID  int
	OpenedAt time.Time
}

// IsOpen reports whether the position holds a non-flat side.
func (p Position) IsOpen() bool {
	return p.Side == domain.SideLong || p.Side == domain.SideShort
}

// Trail advances ExtremePrice in the favorable direction and tightens the
// stop to the extreme at offset. It never loosens the stop and reports
// whether anything changed.
func (p *Position) Trail(price, offset float64) bool {
	if !p.IsOpen() {
		return false
	}
	moved := false
	switch p.Side {
	case domain.SideLong:
		if price > p.ExtremePrice {
			p.ExtremePrice = price
			moved = true
		}
	case domain.SideShort:
		if price < p.ExtremePrice {
			p.ExtremePrice = price
			moved = true
		}
	}
	stop := Tighter(p.Side, p.StopLoss, StopFor(p.Side, p.ExtremePrice, offset))
	if stop != p.StopLoss {
		p.StopLoss = stop
		moved = true
	}
	return moved
}

// StopHit reports whether price has reached the stop. A price exactly at the
// stop counts as a hit.
func (p Position) StopHit(price float64) bool {
	switch p.Side {
	case domain.SideLong:
		return price <= p.StopLoss
	case domain.SideShort:
		return price >= p.StopLoss
	default:
		return false
	}
}

// Beyond reports whether price is more than frac past ref in the position's
// favorable direction.
func (p Position) Beyond(price, ref, frac float64) bool {
	switch p.Side {
	case domain.SideLong:
		return price > ref*(1+frac)
	case domain.SideShort:
		return price < ref*(1-frac)
	default:
		return false
	}
}
