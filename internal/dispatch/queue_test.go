package dispatch

import (
	"testing"
	"time"

	"fxsignal/internal/model"
)

func env(prio model.Priority, enqueued time.Time) *model.NotificationEnvelope {
	return &model.NotificationEnvelope{
		Priority:        prio,
		FirstEnqueuedAt: enqueued,
		State:           model.EnvelopePending,
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := newQueue(0)
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	q.push(env(model.PriorityLow, base))
	q.push(env(model.PriorityUrgent, base.Add(time.Minute)))
	q.push(env(model.PriorityNormal, base.Add(2*time.Minute)))
	q.push(env(model.PriorityHigh, base.Add(3*time.Minute)))

	want := []model.Priority{
		model.PriorityUrgent, model.PriorityHigh, model.PriorityNormal, model.PriorityLow,
	}
	for i, w := range want {
		e := q.pop()
		if e == nil || e.Priority != w {
			t.Fatalf("pop %d = %v, want %s", i, e, w)
		}
	}
	if q.pop() != nil {
		t.Fatal("pop on empty queue should return nil")
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := newQueue(0)
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	second := env(model.PriorityHigh, base.Add(time.Minute))
	first := env(model.PriorityHigh, base)
	q.push(second)
	q.push(first)

	if q.pop() != first {
		t.Fatal("older envelope of equal priority should pop first")
	}
}

func TestQueue_PopReadySkipsBackedOffHead(t *testing.T) {
	q := newQueue(0)
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	backedOff := env(model.PriorityUrgent, base)
	backedOff.NextAttemptAt = base.Add(time.Minute)
	readyHigh := env(model.PriorityHigh, base)
	readyHigh.NextAttemptAt = base
	readyLow := env(model.PriorityLow, base)
	readyLow.NextAttemptAt = base

	q.push(backedOff)
	q.push(readyLow)
	q.push(readyHigh)

	if got := q.popReady(base.Add(time.Second)); got != readyHigh {
		t.Fatalf("popReady = %v, want the ready HIGH envelope past the backed-off URGENT head", got)
	}
	if got := q.popReady(base.Add(time.Second)); got != readyLow {
		t.Fatalf("popReady = %v, want the ready LOW envelope", got)
	}
	if got := q.popReady(base.Add(time.Second)); got != nil {
		t.Fatalf("popReady = %v, want nil while URGENT is still backed off", got)
	}
	if got := q.popReady(base.Add(2 * time.Minute)); got != backedOff {
		t.Fatalf("popReady = %v, want the URGENT envelope once its timer expires", got)
	}
}

func TestQueue_FullEvictsLowest(t *testing.T) {
	q := newQueue(2)
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	low := env(model.PriorityLow, base)
	normal := env(model.PriorityNormal, base)
	if q.push(low) != nil || q.push(normal) != nil {
		t.Fatal("pushes below capacity must not evict")
	}

	urgent := env(model.PriorityUrgent, base)
	if got := q.push(urgent); got != low {
		t.Fatalf("expected low envelope evicted, got %v", got)
	}

	// A newcomer that outranks nothing is rejected.
	low2 := env(model.PriorityLow, base)
	if got := q.push(low2); got != low2 {
		t.Fatalf("expected newcomer rejected, got %v", got)
	}
	if q.len() != 2 {
		t.Fatalf("queue depth = %d, want 2", q.len())
	}
}
