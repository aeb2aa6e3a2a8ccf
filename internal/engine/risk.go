package engine

import (
	"errors"
	"fmt"
	"math"

	"mybacktest/internal/domain"
)

// ErrRiskLimit is returned by CheckSignal for a signal outside the
// configured limits.
var ErrRiskLimit = errors.New("signal rejected by risk limits")

// RiskManager enforces pre-trade rules on strategy signals before they reach
// the position manager.
type RiskManager struct {
	maxSize float64
}

// NewRiskManager creates a RiskManager that caps the target size of an
// Enter or Scale signal at maxSize, a fraction of full allocation. A
// non-positive maxSize means full allocation (1.0).
func NewRiskManager(maxSize float64) *RiskManager {
	if maxSize <= 0 || math.IsNaN(maxSize) {
		maxSize = 1
	}
	return &RiskManager{maxSize: maxSize}
}

// MaxSize returns the configured size cap.
func (rm *RiskManager) MaxSize() float64 { return rm.maxSize }

// CheckSignal evaluates whether the signal complies with the configured
// limits. Close signals always pass.
func (rm *RiskManager) CheckSignal(sig domain.Signal) error {
	var size float64
	switch s := sig.(type) {
	case domain.Enter:
		if s.Side != domain.SideLong && s.Side != domain.SideShort {
			return fmt.Errorf("%w: enter %s with side %q", ErrRiskLimit, s.Instrument, s.Side)
		}
		size = s.Size
	case domain.Scale:
		size = s.Size
	case domain.Close:
		return nil
	default:
		return fmt.Errorf("%w: unsupported signal %T", ErrRiskLimit, sig)
	}
	if math.IsNaN(size) || size <= 0 || size > rm.maxSize {
		return fmt.Errorf("%w: %s size %g outside (0, %g]", ErrRiskLimit, sig.Target(), size, rm.maxSize)
	}
	return nil
}
