package indicator

import (
	"fmt"
	"math"

	"mybacktest/internal/domain"
)

// SMA is a simple moving average over a fixed window backed by a ring buffer.
type SMA struct {
	buf   []float64
	next  int
	count int
	sum   float64
}

// NewSMA creates an SMA for the given window.
func NewSMA(window int) (*SMA, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: sma window must be positive, got %d", domain.ErrConfig, window)
	}
	return &SMA{buf: make([]float64, window)}, nil
}

// Update pushes price into the window, evicting the oldest value once full.
func (s *SMA) Update(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("sma(%d): %w: %v", len(s.buf), domain.ErrNonFinite, price)
	}
	if s.count == len(s.buf) {
		s.sum -= s.buf[s.next]
	} else {
		s.count++
	}
	s.buf[s.next] = price
	s.sum += price
	s.next = (s.next + 1) % len(s.buf)
	return nil
}

// Ready reports whether the window has been filled.
func (s *SMA) Ready() bool { return s.count == len(s.buf) }

// Value returns the mean of the current window; ok is false until Ready.
func (s *SMA) Value() (float64, bool) {
	if !s.Ready() {
		return 0, false
	}
	return s.sum / float64(len(s.buf)), true
}
