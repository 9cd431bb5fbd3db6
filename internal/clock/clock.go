// Package clock abstracts wall time so cool-downs, bar alignment, and retry
// timing are testable. The monotonic reading inside time.Time covers
// duration math; UTC is used for bar boundaries and audit timestamps.
package clock

import "time"

// Clock supplies the current time and timer channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake starts a fake clock at t.
func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }

// After fires immediately in tests once the duration is notionally elapsed;
// callers advancing the clock should poll Now instead of relying on timers.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Current.Add(d)
	return ch
}
