// Package breaker implements the circuit breaker guarding flaky downstreams
// (notification channels, the Redis fan-out). After maxFailures consecutive
// failures the breaker opens and rejects calls for resetTimeout, then allows
// a single half-open probe. A successful probe closes it; a failed probe
// reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"fxsignal/internal/clock"
)

// ErrOpen is returned when the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected immediately
	StateHalfOpen              // one probe allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	clk          clock.Clock

	// OnStateChange, if set, is called on every transition.
	OnStateChange func(from, to State)
}

// New creates a closed breaker. A nil clk uses the wall clock.
func New(maxFailures int, resetTimeout time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clk:          clk,
	}
}

// Execute runs fn through the breaker. Returns ErrOpen without calling fn
// when the breaker is open and the reset timeout has not elapsed.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.clk.Now().Sub(b.lastFailure) > b.resetTimeout {
			b.transition(StateHalfOpen)
		} else {
			b.mu.Unlock()
			return ErrOpen
		}
	case StateHalfOpen:
		// Probe in flight is serialized by the mutex.
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = b.clk.Now()
		if b.state == StateHalfOpen {
			b.transition(StateOpen)
		} else if b.failures >= b.maxFailures {
			b.transition(StateOpen)
		}
		return err
	}

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
	return nil
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
