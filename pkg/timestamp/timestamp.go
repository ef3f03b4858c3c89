// Package timestamp converts between the float-seconds timestamps carried on the
// wire and time.Time values used internally.
//
// The visualization surface stamps every event with seconds since the Unix epoch
// as a float. Internally all times are UTC time.Time values truncated to
// microseconds, which is the precision a float64 can carry for current dates.
//
// Zero Value Semantics:
//   - A wire value of 0 means "not set" and maps to the zero time.Time
//   - The zero time.Time maps back to 0
//
// Usage Examples:
//
//	t := timestamp.FromSeconds(1673785845.123)
//	secs := timestamp.Seconds(t)
//	t, ok := timestamp.Parse("2023-01-15T12:30:45Z")
package timestamp

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Precision is the resolution wire timestamps are rounded to.
const Precision = time.Microsecond

// Now returns the current UTC time at wire precision.
func Now() time.Time {
	return Normalize(time.Now())
}

// Normalize strips the monotonic clock reading, converts to UTC and rounds to
// Precision so values survive a JSON round trip unchanged.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.Round(0).UTC().Round(Precision)
}

// FromSeconds converts float seconds since the Unix epoch to a time.Time.
// Returns zero time for 0, NaN or infinite input.
func FromSeconds(secs float64) time.Time {
	if secs == 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	nanos := math.Round(frac*1e6) * 1e3
	return time.Unix(int64(whole), int64(nanos)).UTC()
}

// Seconds converts a time.Time to float seconds since the Unix epoch.
// Returns 0 for the zero time.
func Seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

// Parse converts loosely typed input to a time.Time. Supported inputs:
//   - float64 and json numbers as seconds, or milliseconds when > 1e12
//   - int, int64 with the same heuristic
//   - RFC3339 strings and numeric strings
//   - time.Time
//
// The second return is false for nil, zero or unparseable input.
func Parse(input any) (time.Time, bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		if v == 0 {
			return time.Time{}, false
		}
		if v > 1e12 {
			v /= 1000
		}
		return FromSeconds(v), true
	case int64:
		return Parse(float64(v))
	case int:
		return Parse(float64(v))
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return Parse(f)
	case string:
		if v == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return Normalize(t), true
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(f)
		}
		return time.Time{}, false
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return Normalize(v), true
	default:
		return time.Time{}, false
	}
}

// Format renders a time as RFC3339 with millisecond precision for logs.
// Returns empty string for the zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Validate rejects negative and unreasonably far-future wire timestamps.
func Validate(secs float64) error {
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("timestamp is not finite: %v", secs)
	}
	if secs < 0 {
		return fmt.Errorf("timestamp cannot be negative: %v", secs)
	}
	// year 3000
	if secs > 32503680000 {
		return fmt.Errorf("timestamp too far in future: %v", secs)
	}
	return nil
}
