package model

import "strconv"

// ToFloat64 coerces a tag value to a number. Booleans map to 0/1, numeric
// strings are parsed; anything else is not numeric.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ValuesEqual compares two tag values, treating numerically equal values of
// different widths as equal.
func ValuesEqual(a, b any) bool {
	if fa, ok := ToFloat64(a); ok {
		if fb, ok := ToFloat64(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}
