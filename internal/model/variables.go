package model

import (
	"fmt"
	"strconv"
)

// Variables holds process variables keyed by name.
type Variables map[string]any

// String returns the named variable as a string. ok is false when the
// variable is absent or null.
func (v Variables) String(name string) (string, bool) {
	raw, ok := v[name]
	if !ok || raw == nil {
		return "", false
	}
	if s, isStr := raw.(string); isStr {
		return s, true
	}
	return fmt.Sprint(raw), true
}

// Int returns the named variable as an int64, converting from any numeric
// type or a decimal string.
func (v Variables) Int(name string) (int64, error) {
	raw, ok := v[name]
	if !ok || raw == nil {
		return 0, fmt.Errorf("variable %q is not set", name)
	}
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("variable %q is not an integer: %v", name, n)
		}
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("variable %q: %w", name, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("variable %q has unsupported type %T", name, raw)
	}
}
