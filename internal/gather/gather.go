// Package gather downloads historical bars from market data providers into
// a bar store.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the configured downloads. It returns early when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching. A zero End means
// now.
type DateRange struct {
	Start time.Time
	End   time.Time
}
