package signal

import (
	"time"

	"fxsignal/internal/config"
)

// Session holds the allowed trading windows for a pair, in UTC minutes of
// day. An empty window set allows all sessions. Windows may wrap midnight.
type Session struct {
	windows [][2]int // {startMin, endMin}
}

// NewSession parses configured windows. Validation happened at config load;
// unparseable entries are skipped here.
func NewSession(windows []config.SessionWindow) *Session {
	s := &Session{}
	for _, w := range windows {
		start, err1 := time.Parse("15:04", w.Start)
		end, err2 := time.Parse("15:04", w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		s.windows = append(s.windows, [2]int{
			start.Hour()*60 + start.Minute(),
			end.Hour()*60 + end.Minute(),
		})
	}
	return s
}

// Contains reports whether t (converted to UTC) falls inside any window.
func (s *Session) Contains(t time.Time) bool {
	if len(s.windows) == 0 {
		return true
	}
	m := t.UTC().Hour()*60 + t.UTC().Minute()
	for _, w := range s.windows {
		start, end := w[0], w[1]
		if start <= end {
			if m >= start && m < end {
				return true
			}
		} else { // wraps midnight
			if m >= start || m < end {
				return true
			}
		}
	}
	return false
}
