package dispatch

import (
	"sync"

	"fxsignal/internal/clock"
)

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	last       int64   // unix nanos of last refill
}

// limiter is a per-channel token bucket. Buckets are created lazily on
// first use with the capacity and rate supplied by the caller.
type limiter struct {
	mu  sync.Mutex
	m   map[string]*bucket
	clk clock.Clock
}

func newLimiter(clk clock.Clock) *limiter {
	return &limiter{m: make(map[string]*bucket), clk: clk}
}

// allow consumes one token for key if available.
func (l *limiter) allow(key string, capacity, refillPerSec float64) bool {
	now := l.clk.Now().UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: capacity, capacity: capacity, refillRate: refillPerSec, last: now}
		l.m[key] = b
	}
	elapsed := float64(now-b.last) / 1e9
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
