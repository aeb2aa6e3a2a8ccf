// Package indicator provides streaming technical indicators that are updated
// one price at a time with constant memory.
package indicator

import (
	"fmt"
	"math"

	"mybacktest/internal/domain"
)

// EMA is an exponential moving average seeded by its first price.
//
//	alpha = 2 / (window + 1)
//	value = alpha*price + (1-alpha)*value
//
// An EMA is not safe for concurrent use; each (instrument, period, window)
// owns its own instance.
type EMA struct {
	window int
	alpha  float64
	value  float64
	seeded bool
}

// NewEMA creates an EMA for the given window.
func NewEMA(window int) (*EMA, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: ema window must be positive, got %d", domain.ErrConfig, window)
	}
	return &EMA{
		window: window,
		alpha:  2 / (float64(window) + 1),
	}, nil
}

// Window returns the configured window.
func (e *EMA) Window() int { return e.window }

// Update folds price into the average. Non-finite prices are rejected and
// leave the state untouched.
func (e *EMA) Update(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("ema(%d): %w: %v", e.window, domain.ErrNonFinite, price)
	}
	if !e.seeded {
		e.value = price
		e.seeded = true
		return nil
	}
	e.value = e.alpha*price + (1-e.alpha)*e.value
	return nil
}

// Value returns the current average; ok is false until the first update.
func (e *EMA) Value() (value float64, ok bool) {
	return e.value, e.seeded
}
