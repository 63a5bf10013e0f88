package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe describes a candle bucket width plus an optional offset that
// shifts bucket boundaries, e.g. hourly candles starting at :55.
type Timeframe struct {
	Interval time.Duration
	Offset   time.Duration
}

// NewTimeframe returns a timeframe with no offset.
func NewTimeframe(interval time.Duration) Timeframe {
	return Timeframe{Interval: interval}
}

// ParseTimeframe parses strings like "1m", "1min", "5m", "1h", "1d".
func ParseTimeframe(s string) (Timeframe, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "min", "m")
	if strings.HasSuffix(normalized, "d") {
		days := strings.TrimSuffix(normalized, "d")
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n < 1 {
			return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
		}
		return NewTimeframe(time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(normalized)
	if err != nil {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q: %w", s, err)
	}
	if d <= 0 {
		return Timeframe{}, fmt.Errorf("timeframe must be positive, got %q", s)
	}
	return NewTimeframe(d), nil
}

// RoundDown snaps the timestamp to the start of its containing bucket,
// then applies the offset. A timestamp exactly on a boundary stays put.
func (t Timeframe) RoundDown(ts time.Time) time.Time {
	if t.Interval <= 0 {
		return ts
	}
	return ts.Truncate(t.Interval).Add(t.Offset)
}

func (t Timeframe) String() string {
	if t.Offset == 0 {
		return fmt.Sprintf("<Timeframe %v>", t.Interval)
	}
	return fmt.Sprintf("<Timeframe %v offset %v>", t.Interval, t.Offset)
}
