package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"fxsignal/internal/model"
)

// envHeap orders envelopes by priority rank (highest first), breaking ties
// by first enqueue time (oldest first).
type envHeap []*model.NotificationEnvelope

func (h envHeap) Len() int { return len(h) }

func (h envHeap) Less(i, j int) bool { return lessEnv(h[i], h[j]) }

func (h envHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envHeap) Push(x any) { *h = append(*h, x.(*model.NotificationEnvelope)) }

func (h *envHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// queue is a bounded priority queue of envelopes. When full, a push evicts
// the lowest-ranked envelope if the newcomer outranks it.
type queue struct {
	mu  sync.Mutex
	h   envHeap
	cap int
}

func newQueue(capacity int) *queue {
	q := &queue{cap: capacity}
	heap.Init(&q.h)
	return q
}

// push adds an envelope. Returns the evicted envelope when the queue is
// full, or nil. If the newcomer itself is the lowest ranked, it is returned.
func (q *queue) push(e *model.NotificationEnvelope) *model.NotificationEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cap > 0 && len(q.h) >= q.cap {
		lowest := q.lowestLocked()
		if lowest == nil || !lessEnv(e, lowest) {
			return e // newcomer does not outrank anything queued
		}
		q.removeLocked(lowest)
		heap.Push(&q.h, e)
		return lowest
	}
	heap.Push(&q.h, e)
	return nil
}

// pop removes and returns the highest-ranked envelope, or nil when empty.
func (q *queue) pop() *model.NotificationEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*model.NotificationEnvelope)
}

// popReady removes and returns the highest-ranked envelope whose next
// attempt time has arrived, or nil when none is ready. A backed-off
// envelope at the top must not block ready lower-priority work, so this
// scans past it.
func (q *queue) popReady(now time.Time) *model.NotificationEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	for i, e := range q.h {
		if e.NextAttemptAt.After(now) {
			continue
		}
		if best < 0 || lessEnv(e, q.h[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return heap.Remove(&q.h, best).(*model.NotificationEnvelope)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// lessEnv reports whether a outranks b in delivery order.
func lessEnv(a, b *model.NotificationEnvelope) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	return a.FirstEnqueuedAt.Before(b.FirstEnqueuedAt)
}

func (q *queue) lowestLocked() *model.NotificationEnvelope {
	var lowest *model.NotificationEnvelope
	for _, e := range q.h {
		if lowest == nil || lessEnv(lowest, e) {
			lowest = e
		}
	}
	return lowest
}

func (q *queue) removeLocked(target *model.NotificationEnvelope) {
	for i, e := range q.h {
		if e == target {
			heap.Remove(&q.h, i)
			return
		}
	}
}
