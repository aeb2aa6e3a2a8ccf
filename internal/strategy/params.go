package strategy

import (
	"fmt"
	"strconv"
	"strings"

	"mybacktest/internal/domain"
)

// Params are opaque strategy parameters. Values come from YAML (numbers,
// strings, lists) or from the command line (strings, comma-separated lists),
// so the accessors accept both shapes.
type Params map[string]any

// Has reports whether key is set.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the string value of key or def when unset.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", paramError(key, v, "string")
	}
}

// Instrument returns the required instrument parameter.
func (p Params) Instrument(key string) (domain.Instrument, error) {
	s, err := p.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrInvalidParam, key)
	}
	return domain.Instrument(s), nil
}

// Period returns key as a Period or def when unset.
func (p Params) Period(key string, def domain.Period) (domain.Period, error) {
	s, err := p.String(key, string(def))
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s must not be empty", domain.ErrInvalidParam, key)
	}
	return domain.Period(s), nil
}

// Float returns key as a float64 or def when unset.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, paramError(key, v, "number")
	}
	return f, nil
}

// Int returns key as an int or def when unset.
func (p Params) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, paramError(key, p[key], "integer")
	}
	return int(f), nil
}

// Floats returns key as a list of numbers or def when unset.
func (p Params) Floats(key string, def []float64) ([]float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	var items []any
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []int:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, nil
	case []any:
		items = x
	case string:
		for _, s := range strings.Split(x, ",") {
			items = append(items, strings.TrimSpace(s))
		}
	default:
		return nil, paramError(key, v, "list of numbers")
	}
	out := make([]float64, 0, len(items))
	for _, it := range items {
		f, ok := toFloat(it)
		if !ok {
			return nil, paramError(key, v, "list of numbers")
		}
		out = append(out, f)
	}
	return out, nil
}

// Ints returns key as a list of integers or def when unset.
func (p Params) Ints(key string, def []int) ([]int, error) {
	if !p.Has(key) {
		return def, nil
	}
	fs, err := p.Floats(key, nil)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != float64(int(f)) {
			return nil, paramError(key, p[key], "list of integers")
		}
		out[i] = int(f)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func paramError(key string, v any, want string) error {
	return fmt.Errorf("%w: %s = %v (%T), want %s", domain.ErrInvalidParam, key, v, v, want)
}
