// Package dispatch delivers accepted signals to external channels with
// priority ordering, per-channel rate limits, bounded retries, and a circuit
// breaker per channel. Envelope state is persisted so a restart resumes
// undelivered work; delivery is at-least-once.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxsignal/internal/breaker"
	"fxsignal/internal/clock"
	"fxsignal/internal/config"
	"fxsignal/internal/metrics"
	"fxsignal/internal/model"
)

const pollInterval = 250 * time.Millisecond

// EnvelopeStore persists envelope state across attempts and restarts.
type EnvelopeStore interface {
	SaveEnvelope(ctx context.Context, e *model.NotificationEnvelope) error
	PendingEnvelopes(ctx context.Context) ([]*model.NotificationEnvelope, error)
}

// channelState bundles one channel with its breaker and rate parameters.
type channelState struct {
	ch          Channel
	cb          *breaker.Breaker
	minPriority model.Priority
	capacity    float64
	refillRate  float64
}

// Dispatcher runs the delivery worker pool.
type Dispatcher struct {
	cfg      config.DispatchConfig
	store    EnvelopeStore
	clk      clock.Clock
	log      *zap.Logger
	queue    *queue
	limiter  *limiter
	channels map[string]*channelState
	m        *metrics.Metrics

	wg sync.WaitGroup
}

// New builds a dispatcher from config. Channels that fail to construct are
// skipped with a logged error rather than failing startup.
func New(cfg config.DispatchConfig, store EnvelopeStore, clk clock.Clock, log *zap.Logger) *Dispatcher {
	log = log.Named("dispatch")
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		clk:      clk,
		log:      log,
		queue:    newQueue(cfg.QueueSize),
		limiter:  newLimiter(clk),
		channels: make(map[string]*channelState),
	}
	for _, cc := range cfg.Channels {
		ch, err := BuildChannel(cc, log)
		if err != nil {
			log.Error("channel misconfigured, skipping", zap.String("name", cc.Name), zap.Error(err))
			continue
		}
		d.registerChannel(ch, cc)
	}
	return d
}

// SetMetrics attaches delivery metrics. Call before Run.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.m = m }

func (d *Dispatcher) registerChannel(ch Channel, cc config.ChannelConfig) {
	cb := breaker.New(d.cfg.FailureThreshold, d.cfg.BreakerCoolDown, d.clk)
	name := ch.Name()
	cb.OnStateChange = func(from, to breaker.State) {
		d.log.Warn("channel breaker transition",
			zap.String("channel", name),
			zap.Stringer("from", from), zap.Stringer("to", to))
		if d.m != nil {
			d.m.ChannelBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	minPriority := model.PriorityLow
	if cc.MinPriority != "" {
		minPriority = model.Priority(cc.MinPriority)
	}
	d.channels[name] = &channelState{
		ch:          ch,
		cb:          cb,
		minPriority: minPriority,
		capacity:    float64(cc.Burst),
		refillRate:  float64(cc.TokensPerMinute) / 60,
	}
}

// RegisterChannel adds a channel outside of config. Used by tests and the
// replay tool.
func (d *Dispatcher) RegisterChannel(ch Channel, cc config.ChannelConfig) {
	d.registerChannel(ch, cc)
}

// Enqueue builds an envelope for an accepted signal and queues it for
// delivery. The envelope is persisted PENDING before it becomes visible to
// workers. Channels whose minimum priority exceeds the signal's are left out;
// with no eligible channel the signal is dropped silently.
func (d *Dispatcher) Enqueue(ctx context.Context, sig *model.Signal) error {
	prio := model.PriorityFromConfidence(sig.Confidence)
	var eligible []string
	for name, cs := range d.channels {
		if prio.Rank() >= cs.minPriority.Rank() {
			eligible = append(eligible, name)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	payload, err := json.Marshal(model.PayloadFromSignal(sig))
	if err != nil {
		return err
	}
	now := d.clk.Now().UTC()
	env := &model.NotificationEnvelope{
		SignalDedupKey:  sig.DedupKey,
		Priority:        prio,
		Channels:        eligible,
		Payload:         payload,
		FirstEnqueuedAt: now,
		NextAttemptAt:   now,
		State:           model.EnvelopePending,
	}
	if d.store != nil {
		if err := d.store.SaveEnvelope(ctx, env); err != nil {
			return err
		}
	}
	d.pushEnvelope(ctx, env)
	return nil
}

// pushEnvelope queues an envelope. An envelope displaced from a full queue
// is terminal EVICTED, not DEAD: DEAD is reserved for exhausted retries and
// staleness so the two drop causes stay distinguishable.
func (d *Dispatcher) pushEnvelope(ctx context.Context, env *model.NotificationEnvelope) {
	if evicted := d.queue.push(env); evicted != nil {
		evicted.State = model.EnvelopeEvicted
		d.log.Warn("queue full, evicting lowest-priority envelope",
			zap.Int64("envelope_id", evicted.ID),
			zap.String("priority", string(evicted.Priority)))
		if d.m != nil {
			d.m.EnvelopesEvicted.Inc()
		}
		d.persist(ctx, evicted)
	}
	d.updateDepth()
}

func (d *Dispatcher) markDead(env *model.NotificationEnvelope) {
	env.State = model.EnvelopeDead
	if d.m != nil {
		d.m.EnvelopesDead.Inc()
	}
}

func (d *Dispatcher) updateDepth() {
	if d.m != nil {
		d.m.QueueDepth.Set(float64(d.queue.len()))
	}
}

// RestorePending reloads undelivered envelopes after a restart. IN_FLIGHT
// rows are treated as PENDING; the channels may see a duplicate delivery.
func (d *Dispatcher) RestorePending(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	pending, err := d.store.PendingEnvelopes(ctx)
	if err != nil {
		return err
	}
	for _, env := range pending {
		env.State = model.EnvelopePending
		d.pushEnvelope(ctx, env)
	}
	if len(pending) > 0 {
		d.log.Info("restored undelivered envelopes", zap.Int("count", len(pending)))
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		env := d.nextReady()
		if env == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.clk.After(pollInterval):
			}
			continue
		}
		d.Attempt(ctx, env)
	}
}

// nextReady returns the highest-ranked envelope whose next attempt time has
// arrived, skipping over backed-off envelopes ahead of it.
func (d *Dispatcher) nextReady() *model.NotificationEnvelope {
	return d.queue.popReady(d.clk.Now())
}

// Attempt delivers an envelope to its remaining channels. Channels that are
// rate limited or behind an open breaker are deferred without consuming an
// attempt; real send failures consume one. Terminal outcomes are DELIVERED
// (all channels succeeded) and DEAD (attempts exhausted or payload stale).
func (d *Dispatcher) Attempt(ctx context.Context, env *model.NotificationEnvelope) {
	defer d.updateDepth()
	env.State = model.EnvelopeInFlight
	d.persist(ctx, env)

	var payload model.SignalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.log.Error("undecodable envelope payload, dropping",
			zap.Int64("envelope_id", env.ID), zap.Error(err))
		d.markDead(env)
		d.persist(ctx, env)
		return
	}

	var remaining []string
	deferred, failed := 0, 0
	for _, name := range env.Channels {
		cs, ok := d.channels[name]
		if !ok {
			d.log.Warn("envelope references unknown channel", zap.String("channel", name))
			continue
		}
		if !d.limiter.allow(name, cs.capacity, cs.refillRate) {
			remaining = append(remaining, name)
			deferred++
			continue
		}
		err := cs.cb.Execute(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout())
			defer cancel()
			return cs.ch.Send(sendCtx, payload)
		})
		switch {
		case err == nil:
			if d.m != nil {
				d.m.NotificationsDelivered.WithLabelValues(name).Inc()
			}
		case err == breaker.ErrOpen:
			remaining = append(remaining, name)
			deferred++
		default:
			d.log.Warn("channel send failed",
				zap.String("channel", name),
				zap.Int64("envelope_id", env.ID),
				zap.Error(err))
			if d.m != nil {
				d.m.NotificationsFailed.WithLabelValues(name).Inc()
			}
			remaining = append(remaining, name)
			failed++
		}
	}

	now := d.clk.Now().UTC()
	if len(remaining) == 0 {
		env.Channels = nil
		env.State = model.EnvelopeDelivered
		d.persist(ctx, env)
		return
	}
	env.Channels = remaining

	if d.cfg.StalenessBound > 0 && now.Sub(env.FirstEnqueuedAt) > d.cfg.StalenessBound {
		d.markDead(env)
		d.log.Warn("envelope stale, dropping",
			zap.Int64("envelope_id", env.ID),
			zap.Duration("age", now.Sub(env.FirstEnqueuedAt)))
		d.persist(ctx, env)
		return
	}

	if failed > 0 {
		env.Attempts++
		if d.cfg.MaxAttempts > 0 && env.Attempts >= d.cfg.MaxAttempts {
			d.markDead(env)
			d.log.Warn("envelope exhausted retries",
				zap.Int64("envelope_id", env.ID),
				zap.Int("attempts", env.Attempts))
			d.persist(ctx, env)
			return
		}
		env.NextAttemptAt = now.Add(d.backoff(env.Attempts))
	} else {
		// Only deferred channels: retry soon without burning an attempt.
		env.NextAttemptAt = now.Add(pollInterval * 4)
	}
	env.State = model.EnvelopePending
	d.persist(ctx, env)
	d.queue.push(env)
}

func (d *Dispatcher) attemptTimeout() time.Duration {
	if d.cfg.AttemptTimeout > 0 {
		return d.cfg.AttemptTimeout
	}
	return 10 * time.Second
}

// backoff returns base*2^(attempts-1) capped, with ±20% jitter.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := d.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempts-1)
	if d.cfg.BackoffCap > 0 && delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (d *Dispatcher) persist(ctx context.Context, env *model.NotificationEnvelope) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveEnvelope(ctx, env); err != nil {
		d.log.Error("persist envelope failed",
			zap.Int64("envelope_id", env.ID), zap.Error(err))
	}
}

// QueueDepth returns the number of queued envelopes.
func (d *Dispatcher) QueueDepth() int { return d.queue.len() }

// ChannelState returns the breaker state for a channel name.
func (d *Dispatcher) ChannelState(name string) (breaker.State, bool) {
	cs, ok := d.channels[name]
	if !ok {
		return 0, false
	}
	return cs.cb.CurrentState(), true
}
