// Package scheduler drives the candle pipeline: one loop per
// (pair, timeframe), aligned to bar close plus a safety delay. Each tick
// fetches closed candles, feeds the indicator cache, evaluates the signal
// engine, records the outcome, and advances the risk controller.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxsignal/internal/broker"
	"fxsignal/internal/clock"
	"fxsignal/internal/config"
	"fxsignal/internal/indicator"
	"fxsignal/internal/metrics"
	"fxsignal/internal/model"
	"fxsignal/internal/ops"
	"fxsignal/internal/risk"
	"fxsignal/internal/signal"
	"fxsignal/internal/store/sqlite"
)

// Broker fetches candle series from the upstream API.
type Broker interface {
	FetchCandles(ctx context.Context, pair string, tf model.Timeframe, since time.Time) ([]model.Candle, error)
	FetchHistory(ctx context.Context, pair string, tf model.Timeframe, count int) ([]model.Candle, error)
}

// SignalStore persists evaluated signals.
type SignalStore interface {
	RecordSignal(ctx context.Context, sig *model.Signal) (sqlite.RecordResult, error)
}

// Notifier enqueues accepted signals for delivery.
type Notifier interface {
	Enqueue(ctx context.Context, sig *model.Signal) error
}

// Publisher pushes accepted signals to the streaming fan-out. Optional.
type Publisher interface {
	PublishSignal(ctx context.Context, payload model.SignalPayload)
}

// RiskController is the slice of the risk controller the pipeline uses.
type RiskController interface {
	Evaluate(cand *model.SignalCandidate) risk.Decision
	OnTick(ctx context.Context, in risk.TickInputs) (*model.PortfolioState, error)
	OpenPosition(sig *model.Signal)
	Halt(ctx context.Context) error
}

// Scheduler owns the per-stream loops and the pieces they coordinate.
type Scheduler struct {
	cfg    *config.Config
	tfs    []model.Timeframe
	broker Broker
	cache  *indicator.Cache
	engine *signal.Engine
	risk   RiskController
	store  SignalStore
	notify Notifier
	pub    Publisher
	clk    clock.Clock
	m      *metrics.Metrics
	health *metrics.HealthStatus
	log    *zap.Logger

	feed chan model.SignalPayload

	mu              sync.Mutex
	lastPrices      map[string]float64
	firstStorageErr time.Time
	storageHalted   bool

	wg sync.WaitGroup
}

// New assembles a Scheduler. pub, m may be nil; a nil clk uses the wall
// clock.
func New(cfg *config.Config, b Broker, cache *indicator.Cache, eng *signal.Engine, rc RiskController, store SignalStore, notify Notifier, pub Publisher, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) (*Scheduler, error) {
	tfs := make([]model.Timeframe, 0, len(cfg.Timeframes))
	for _, raw := range cfg.Timeframes {
		tf, err := model.ParseTimeframe(raw)
		if err != nil {
			return nil, err
		}
		tfs = append(tfs, tf)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		cfg:        cfg,
		tfs:        tfs,
		broker:     b,
		cache:      cache,
		engine:     eng,
		risk:       rc,
		store:      store,
		notify:     notify,
		pub:        pub,
		clk:        clk,
		m:          m,
		log:        log.Named("scheduler"),
		feed:       make(chan model.SignalPayload, 64),
		lastPrices: make(map[string]float64),
	}, nil
}

// SetHealth attaches the liveness probe state. Call before Start.
func (s *Scheduler) SetHealth(h *metrics.HealthStatus) { s.health = h }

// Feed returns the in-process stream of accepted signals, used by the
// websocket hub when Redis is not available.
func (s *Scheduler) Feed() <-chan model.SignalPayload { return s.feed }

func (s *Scheduler) windowsFor(pair string) indicator.Windows {
	sc := s.strategyFor(pair)
	return indicator.Windows{Fast: sc.FastMAWindow, Slow: sc.SlowMAWindow, ATR: sc.ATRWindow}
}

func (s *Scheduler) strategyFor(pair string) config.StrategyConfig {
	return s.cfg.StrategyFor(pair)
}

// warmCount is how much history a fresh warm-up fetches: enough to fill the
// slow MA and ATR buffers plus one prior bar for the crossover comparison.
func (s *Scheduler) warmCount(pair string) int {
	win := s.windowsFor(pair)
	need := win.Slow
	if win.ATR > need {
		need = win.ATR
	}
	return need + 2
}

// Start warms every stream and launches its loop. Blocks until every loop
// has exited after ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, pair := range s.cfg.Pairs {
		for _, tf := range s.tfs {
			if err := s.warmStream(ctx, pair, tf); err != nil {
				return err
			}
		}
	}
	for _, pair := range s.cfg.Pairs {
		for _, tf := range s.tfs {
			s.wg.Add(1)
			go s.runLoop(ctx, pair, tf)
		}
	}
	s.wg.Wait()
	return nil
}

// warmStream restores a checkpointed stream, falling back to a history
// fetch when no usable checkpoint exists.
func (s *Scheduler) warmStream(ctx context.Context, pair string, tf model.Timeframe) error {
	win := s.windowsFor(pair)
	ok, err := s.cache.TryRestore(ctx, pair, tf, win)
	if err != nil {
		s.log.Warn("checkpoint restore failed, re-warming",
			zap.String("pair", pair), zap.String("tf", string(tf)), zap.Error(err))
	}
	if ok {
		s.log.Info("stream restored from checkpoint",
			zap.String("pair", pair), zap.String("tf", string(tf)))
		return nil
	}
	return s.rewarm(ctx, pair, tf)
}

func (s *Scheduler) rewarm(ctx context.Context, pair string, tf model.Timeframe) error {
	candles, err := s.broker.FetchHistory(ctx, pair, tf, s.warmCount(pair))
	if err != nil {
		return err
	}
	return s.cache.WarmUp(ctx, pair, tf, s.windowsFor(pair), candles)
}

func (s *Scheduler) runLoop(ctx context.Context, pair string, tf model.Timeframe) {
	defer s.wg.Done()
	for {
		next := tf.NextClose(s.clk.Now()).Add(s.cfg.TickDelay)
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(next.Sub(s.clk.Now())):
		}
		s.Tick(ctx, pair, tf)
	}
}

// Tick runs one fetch-ingest-evaluate pass for a stream. Upstream failures
// skip the tick; the next loop iteration catches up because the fetch is
// since-based.
func (s *Scheduler) Tick(ctx context.Context, pair string, tf model.Timeframe) {
	started := time.Now()
	defer func() {
		if s.m != nil {
			s.m.TickDuration.Observe(time.Since(started).Seconds())
		}
	}()

	since, _ := s.cache.LastOpenTime(pair, tf)
	fetchStart := time.Now()
	candles, err := s.broker.FetchCandles(ctx, pair, tf, since)
	if s.m != nil {
		s.m.BrokerFetchDur.Observe(time.Since(fetchStart).Seconds())
	}
	if s.health != nil {
		s.health.SetBrokerOK(err == nil)
	}
	if err != nil {
		var ie *broker.IntegrityError
		if errors.As(err, &ie) {
			s.log.Warn("candle series failed integrity check, re-warming",
				zap.String("pair", pair), zap.String("tf", string(tf)), zap.Error(err))
			if s.m != nil {
				s.m.GapsDetected.Inc()
			}
			if err := s.rewarm(ctx, pair, tf); err != nil {
				s.log.Error("re-warm failed", zap.String("pair", pair), zap.Error(err))
			}
			return
		}
		s.log.Warn("candle fetch failed, skipping tick",
			zap.String("pair", pair), zap.String("tf", string(tf)), zap.Error(err))
		return
	}

	for i := range candles {
		s.processClosedCandle(ctx, &candles[i])
	}
	s.portfolioTick(ctx)
}

// processClosedCandle feeds one candle through cache, engine, risk, store,
// and dispatch. Shared by the live tick and replay paths.
func (s *Scheduler) processClosedCandle(ctx context.Context, c *model.Candle) {
	if !c.Complete {
		return
	}

	snap, err := s.cache.Ingest(ctx, *c)
	switch {
	case err == nil:
	case errors.Is(err, indicator.ErrGapDetected):
		if s.m != nil {
			s.m.GapsDetected.Inc()
		}
		s.log.Warn("gap detected, re-warming stream",
			zap.String("pair", c.Pair), zap.String("tf", string(c.TF)), zap.Error(err))
		if err := s.rewarm(ctx, c.Pair, c.TF); err != nil {
			s.log.Error("re-warm failed", zap.String("pair", c.Pair), zap.Error(err))
		}
		return
	case indicator.IsCheckpointErr(err):
		s.noteStorageFailure(ctx, err)
	default:
		s.log.Warn("candle rejected",
			zap.String("pair", c.Pair), zap.String("tf", string(c.TF)), zap.Error(err))
		return
	}

	if s.m != nil {
		s.m.CandlesIngested.WithLabelValues(c.Pair, string(c.TF)).Inc()
	}

	s.mu.Lock()
	s.lastPrices[c.Pair] = c.Close
	s.mu.Unlock()
	if s.health != nil {
		s.health.SetLastBarTime(c.OpenTime)
	}

	if snap == nil || !snap.Warm {
		return
	}
	cand := s.engine.OnSnapshot(snap)
	if cand == nil {
		return
	}
	s.processCandidate(ctx, cand)
}

func (s *Scheduler) processCandidate(ctx context.Context, cand *model.SignalCandidate) {
	dec := s.risk.Evaluate(cand)
	sig := &model.Signal{
		SignalCandidate: *cand,
		SizedFraction:   dec.SizeFraction,
		RiskVeto:        dec.VetoReason,
		EmergencyLevel:  dec.Level,
	}

	if s.m != nil {
		s.m.SignalsGenerated.WithLabelValues(cand.Pair, string(cand.Direction)).Inc()
		if !dec.Accepted {
			s.m.SignalsVetoed.WithLabelValues(dec.VetoReason).Inc()
		}
	}

	res, err := s.store.RecordSignal(ctx, sig)
	if err != nil {
		s.noteStorageFailure(ctx, err)
		return
	}
	s.noteStorageOK()

	switch res {
	case sqlite.RecordDuplicate:
		if s.m != nil {
			s.m.SignalsDuplicate.Inc()
		}
		return
	case sqlite.RecordStored:
		if s.m != nil {
			s.m.SignalsStored.Inc()
		}
	}

	if sig.Vetoed() {
		s.log.Info("signal vetoed",
			zap.String("dedup_key", sig.DedupKey), zap.String("reason", sig.RiskVeto))
		return
	}

	s.log.Info("signal accepted",
		zap.String("dedup_key", sig.DedupKey),
		zap.Float64("confidence", sig.Confidence),
		zap.Float64("size_fraction", sig.SizedFraction))

	s.risk.OpenPosition(sig)
	if err := s.notify.Enqueue(ctx, sig); err != nil {
		s.log.Warn("notification enqueue failed", zap.Error(err))
	}
	payload := model.PayloadFromSignal(sig)
	if s.pub != nil {
		s.pub.PublishSignal(ctx, payload)
	}
	select {
	case s.feed <- payload:
	default:
	}
}

func (s *Scheduler) portfolioTick(ctx context.Context) {
	s.mu.Lock()
	prices := make(map[string]float64, len(s.lastPrices))
	for k, v := range s.lastPrices {
		prices[k] = v
	}
	s.mu.Unlock()

	st, err := s.risk.OnTick(ctx, risk.TickInputs{At: s.clk.Now(), Prices: prices})
	if err != nil {
		s.noteStorageFailure(ctx, err)
	} else {
		s.noteStorageOK()
	}
	if st == nil {
		return
	}
	if s.m != nil {
		s.m.EmergencyLevel.Set(float64(st.EmergencyLevel))
		s.m.Drawdown.Set(st.Metrics.Drawdown)
		s.m.VolZScore.Set(st.Metrics.VolZ)
		s.m.VaR95.Set(st.Metrics.VaR95)
	}
	if s.health != nil {
		s.health.SetEmergency(st.EmergencyLevel, st.ManualHalt)
	}
}

// noteStorageFailure tracks sustained storage unavailability; once it
// exceeds the configured window the pipeline is halted rather than left
// generating unpersistable signals.
func (s *Scheduler) noteStorageFailure(ctx context.Context, err error) {
	if s.m != nil {
		s.m.StorageFailures.Inc()
	}
	now := s.clk.Now()

	s.mu.Lock()
	if s.firstStorageErr.IsZero() {
		s.firstStorageErr = now
	}
	sustained := s.cfg.Risk.StorageFailureWindow > 0 &&
		now.Sub(s.firstStorageErr) >= s.cfg.Risk.StorageFailureWindow &&
		!s.storageHalted
	if sustained {
		s.storageHalted = true
	}
	s.mu.Unlock()

	s.log.Warn("storage failure", zap.Error(err))
	if sustained {
		s.log.Error("storage unavailable beyond tolerance, halting pipeline",
			zap.Duration("window", s.cfg.Risk.StorageFailureWindow))
		if herr := s.risk.Halt(ctx); herr != nil {
			s.log.Error("halt failed", zap.Error(herr))
		}
	}
}

func (s *Scheduler) noteStorageOK() {
	s.mu.Lock()
	s.firstStorageErr = time.Time{}
	s.storageHalted = false
	s.mu.Unlock()
}

// Replay re-runs the pipeline from history starting at since. Signal dedup
// makes it idempotent against the live run: previously stored bars come
// back as duplicates, genuinely missed crossovers are stored and delivered.
func (s *Scheduler) Replay(ctx context.Context, since time.Time) error {
	for _, pair := range s.cfg.Pairs {
		for _, tf := range s.tfs {
			if err := s.replayStream(ctx, pair, tf, since); err != nil {
				return err
			}
		}
	}
	s.portfolioTick(ctx)
	return nil
}

func (s *Scheduler) replayStream(ctx context.Context, pair string, tf model.Timeframe, since time.Time) error {
	warm := s.warmCount(pair)
	start := since.Add(-time.Duration(warm) * tf.Duration())

	candles, err := s.broker.FetchCandles(ctx, pair, tf, start)
	if err != nil {
		return err
	}
	if len(candles) < warm {
		return s.cache.WarmUp(ctx, pair, tf, s.windowsFor(pair), candles)
	}

	if err := s.cache.WarmUp(ctx, pair, tf, s.windowsFor(pair), candles[:warm]); err != nil {
		return err
	}
	for i := warm; i < len(candles); i++ {
		s.processClosedCandle(ctx, &candles[i])
	}
	s.log.Info("stream replayed",
		zap.String("pair", pair), zap.String("tf", string(tf)),
		zap.Int("candles", len(candles)-warm), zap.Time("since", since))
	return nil
}

// Streams reports per-stream status for the ops API, including a
// forming-bar preview of the MAs at the latest seen price.
func (s *Scheduler) Streams() []ops.StreamStatus {
	s.mu.Lock()
	prices := make(map[string]float64, len(s.lastPrices))
	for k, v := range s.lastPrices {
		prices[k] = v
	}
	s.mu.Unlock()

	out := make([]ops.StreamStatus, 0, len(s.cfg.Pairs)*len(s.tfs))
	for _, pair := range s.cfg.Pairs {
		for _, tf := range s.tfs {
			st := ops.StreamStatus{Pair: pair, TF: tf, Warm: s.cache.Warm(pair, tf)}
			if snap := s.cache.Snapshot(pair, tf); snap != nil {
				st.LastBarTime = snap.BarOpenTime
				st.FastMA = snap.FastMA
				st.SlowMA = snap.SlowMA
				st.ATR = snap.ATR
				st.Regime = string(signal.ClassifyRegime(snap))
			}
			if px, ok := prices[pair]; ok {
				if fast, slow, ok := s.cache.Peek(pair, tf, px); ok {
					st.FastMA = fast
					st.SlowMA = slow
				}
			}
			out = append(out, st)
		}
	}
	return out
}
