package builtins

import "mybacktest/internal/strategy"

// Register adds every builtin strategy to r.
func Register(r *strategy.Registry) {
	r.Register(EMATrendName, NewEMATrendFromParams)
	r.Register(SMACrossName, NewSMACrossFromParams)
}

// NewRegistry returns a registry holding the builtin strategies.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}
