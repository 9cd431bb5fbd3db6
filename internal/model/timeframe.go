package model

import (
	"fmt"
	"time"
)

// Timeframe identifies a candle interval.
type Timeframe string

const (
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D   Timeframe = "D"
	W   Timeframe = "W"
)

// ParseTimeframe validates and returns a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	switch tf {
	case M15, H1, H4, D, W:
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the bar length. Weeks are 7 days; daily and weekly bars
// are aligned to UTC midnight / Monday.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D:
		return 24 * time.Hour
	case W:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Align truncates t down to the start of the bar containing it (UTC).
func (tf Timeframe) Align(t time.Time) time.Time {
	t = t.UTC()
	switch tf {
	case W:
		day := t.Truncate(24 * time.Hour)
		// back up to Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return t.Truncate(tf.Duration())
	}
}

// NextClose returns the close time of the bar containing t.
func (tf Timeframe) NextClose(t time.Time) time.Time {
	return tf.Align(t).Add(tf.Duration())
}

// IsAligned reports whether t sits exactly on a bar boundary.
func (tf Timeframe) IsAligned(t time.Time) bool {
	return tf.Align(t).Equal(t.UTC())
}

func (tf Timeframe) String() string { return string(tf) }
