package calculator

import "errors"

// ErrInvalidDivisor is returned when the raw-to-SU divisor is not positive.
var ErrInvalidDivisor = errors.New("su divisor must be positive")

// RawToSU converts a scheduler raw usage counter into whole service units.
func RawToSU(raw, divisor int64) (int64, error) {
	if divisor <= 0 {
		return 0, ErrInvalidDivisor
	}
	if raw <= 0 {
		return 0, nil
	}
	return raw / divisor, nil
}

// UsedFraction returns used/limit, or 0 when the limit is zero. The result is not capped.
func UsedFraction(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

// Percentage returns 100*usage/total rounded down, or 0 when total is zero.
func Percentage(usage, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return 100 * usage / total
}

// CeilDiv divides a by b rounding up. b must be positive.
func CeilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
