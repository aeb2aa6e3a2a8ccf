package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mybacktest/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*MemoryStore)(nil)

// MemoryStore is an in-process BarStore. Bars are kept in the order they
// were put so that validation downstream sees exactly what a caller stored.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[memKey][]domain.Bar
}

type memKey struct {
	inst   domain.Instrument
	period domain.Period
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[memKey][]domain.Bar)}
}

// Put replaces the series for (inst, period).
func (m *MemoryStore) Put(inst domain.Instrument, period domain.Period, bars []domain.Bar) {
	cp := make([]domain.Bar, len(bars))
	copy(cp, bars)
	for i := range cp {
		cp[i].Instrument = inst
		cp[i].Period = period
	}
	m.mu.Lock()
	m.series[memKey{inst, period}] = cp
	m.mu.Unlock()
}

// LoadSeries returns a copy of the stored series.
func (m *MemoryStore) LoadSeries(_ context.Context, inst domain.Instrument, period domain.Period) ([]domain.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars, ok := m.series[memKey{inst, period}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrSeriesNotFound, inst, period)
	}
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// WriteBars merges bars into their series by timestamp, keeping each series
// sorted.
func (m *MemoryStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		k := memKey{b.Instrument, b.Period}
		s := m.series[k]
		i := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(b.Timestamp) })
		switch {
		case i < len(s) && s[i].Timestamp.Equal(b.Timestamp):
			s[i] = b
		default:
			s = append(s, domain.Bar{})
			copy(s[i+1:], s[i:])
			s[i] = b
		}
		m.series[k] = s
	}
	return nil
}

// ListInstruments returns the instruments that have a series for period.
func (m *MemoryStore) ListInstruments(_ context.Context, period domain.Period) ([]domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Instrument
	for k := range m.series {
		if k.period == period {
			out = append(out, k.inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
