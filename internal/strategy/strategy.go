// Package strategy defines the Strategy interface, a Registry of strategy
// factories, and the Engine that drives a strategy over an aligned table.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"mybacktest/internal/align"
	"mybacktest/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
// Implementations keep their indicator and position state privately; one
// instance serves exactly one run.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the first row.
	Init(ctx context.Context) error

	// OnRow is called once per aligned row in ascending time order. It
	// returns nil for "no action".
	OnRow(ctx context.Context, row align.Row) (domain.Signal, error)
}

// Factory builds a fresh Strategy from run parameters.
type Factory func(params Params) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// Lookup is Get returning a configuration error for unknown names.
func (r *Registry) Lookup(name string) (Factory, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", domain.ErrUnknownStrategy, name, r.List())
	}
	return f, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
