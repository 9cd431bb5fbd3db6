package indicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxsignal/internal/model"
)

// ErrGapDetected is returned when a candle arrives more than one step after
// the last ingested bar. The scheduler responds with a bounded re-warm.
var ErrGapDetected = errors.New("indicator: gap detected in candle stream")

// ErrNotWarmed is returned when a stream is ingested before WarmUp/Restore.
var ErrNotWarmed = errors.New("indicator: stream not warmed up")

// Windows is the indicator window configuration of a stream. Changing any
// window changes the checkpoint key, which invalidates the old entry.
type Windows struct {
	Fast int `json:"fast"`
	Slow int `json:"slow"`
	ATR  int `json:"atr"`
}

// CheckpointStore persists stream checkpoints so a restart does not re-fetch
// full history.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadCheckpoint(ctx context.Context, key string) (*Checkpoint, error)
}

type stream struct {
	pair     string
	tf       model.Timeframe
	win      Windows
	fast     *RollingMA
	slow     *RollingMA
	atr      *ATR
	lastOpen time.Time
	prevFast float64
	prevSlow float64
	havePrev bool // previous bar's MAs were both ready
	last     *model.IndicatorSnapshot
}

// Cache owns per-(pair,timeframe) indicator state. The scheduler's tick
// loops write through WarmUp/Ingest while the ops API reads snapshots from
// its own goroutine; mu covers both the stream map and stream state.
type Cache struct {
	store CheckpointStore // nil disables persistence (tests)
	log   *zap.Logger

	mu      sync.RWMutex
	streams map[string]*stream
}

// NewCache creates an indicator cache backed by the given checkpoint store.
func NewCache(store CheckpointStore, log *zap.Logger) *Cache {
	return &Cache{
		store:   store,
		log:     log.Named("indicator"),
		streams: make(map[string]*stream, 16),
	}
}

func streamKey(pair string, tf model.Timeframe) string {
	return pair + ":" + string(tf)
}

// WarmUp seeds a stream from historical candles. At least win.Slow candles
// are required; candles must be ordered ascending. Re-warming an existing
// stream replaces its state.
func (c *Cache) WarmUp(ctx context.Context, pair string, tf model.Timeframe, win Windows, candles []model.Candle) error {
	need := win.Slow
	if win.ATR > need {
		need = win.ATR
	}
	if len(candles) < need {
		return fmt.Errorf("indicator: warm-up for %s %s needs %d candles, got %d", pair, tf, need, len(candles))
	}
	s := &stream{
		pair: pair, tf: tf, win: win,
		fast: NewRollingMA(win.Fast),
		slow: NewRollingMA(win.Slow),
		atr:  NewATR(win.ATR),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[streamKey(pair, tf)] = s
	for i := range candles {
		if _, err := c.ingestLocked(ctx, candles[i]); err != nil && !errors.Is(err, errCheckpoint) {
			return err
		}
	}
	c.log.Info("stream warmed",
		zap.String("pair", pair), zap.String("tf", string(tf)),
		zap.Int("candles", len(candles)),
		zap.Time("last_open", s.lastOpen))
	return nil
}

// errCheckpoint marks a checkpoint persistence failure; the ingest itself
// succeeded and the returned snapshot is valid.
var errCheckpoint = errors.New("indicator: checkpoint save failed")

// IsCheckpointErr reports whether err is a checkpoint persistence failure,
// as opposed to an ingest rejection.
func IsCheckpointErr(err error) bool { return errors.Is(err, errCheckpoint) }

// Ingest applies one closed candle. It returns the updated snapshot iff the
// buffers are warm. A candle at or before the last ingested open time is a
// no-op (nil, nil). A gap of more than one step returns ErrGapDetected,
// except across FX weekends, which are legitimate holes.
func (c *Cache) Ingest(ctx context.Context, candle model.Candle) (*model.IndicatorSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingestLocked(ctx, candle)
}

func (c *Cache) ingestLocked(ctx context.Context, candle model.Candle) (*model.IndicatorSnapshot, error) {
	s, ok := c.streams[streamKey(candle.Pair, candle.TF)]
	if !ok {
		return nil, ErrNotWarmed
	}
	if !s.lastOpen.IsZero() {
		if !candle.OpenTime.After(s.lastOpen) {
			return nil, nil // replay of an already ingested bar
		}
		step := candle.TF.Duration()
		gap := candle.OpenTime.Sub(s.lastOpen)
		if gap > step && !spansWeekend(s.lastOpen, candle.OpenTime) {
			return nil, fmt.Errorf("%w: %s %s last=%s next=%s", ErrGapDetected,
				candle.Pair, candle.TF,
				s.lastOpen.Format(time.RFC3339), candle.OpenTime.Format(time.RFC3339))
		}
	}

	wasReady := s.fast.Ready() && s.slow.Ready()
	if wasReady {
		s.prevFast = s.fast.Value()
		s.prevSlow = s.slow.Value()
		s.havePrev = true
	}

	s.fast.Update(candle.Close)
	s.slow.Update(candle.Close)
	s.atr.Update(candle.High, candle.Low, candle.Close)
	s.lastOpen = candle.OpenTime

	warm := s.fast.Ready() && s.slow.Ready() && s.atr.Ready() && s.havePrev
	snap := &model.IndicatorSnapshot{
		Pair:        candle.Pair,
		TF:          candle.TF,
		BarOpenTime: candle.OpenTime,
		Close:       candle.Close,
		FastMA:      s.fast.Value(),
		SlowMA:      s.slow.Value(),
		PrevFastMA:  s.prevFast,
		PrevSlowMA:  s.prevSlow,
		ATR:         s.atr.Value(),
		ATRZ:        s.atr.TRZScore(),
		Warm:        warm,
	}
	s.last = snap

	if c.store != nil {
		if err := c.store.SaveCheckpoint(ctx, s.checkpoint()); err != nil {
			c.log.Warn("checkpoint save failed",
				zap.String("pair", candle.Pair), zap.String("tf", string(candle.TF)), zap.Error(err))
			if !warm {
				return nil, fmt.Errorf("%w: %v", errCheckpoint, err)
			}
			return snap, fmt.Errorf("%w: %v", errCheckpoint, err)
		}
	}
	if !warm {
		return nil, nil
	}
	return snap, nil
}

// spansWeekend reports whether the hole between prev and next lies across an
// FX weekend close (Friday 22:00 UTC – Sunday 22:00 UTC, give or take broker
// boundaries). Bounded at 72h so a genuinely dead feed still trips the gap
// path.
func spansWeekend(prev, next time.Time) bool {
	if next.Sub(prev) > 72*time.Hour {
		return false
	}
	for t := prev; t.Before(next); t = t.Add(time.Hour) {
		wd := t.UTC().Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	return false
}

// Snapshot returns the last produced snapshot, or nil if the stream is
// unknown or never produced one.
func (c *Cache) Snapshot(pair string, tf model.Timeframe) *model.IndicatorSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[streamKey(pair, tf)]
	if !ok {
		return nil
	}
	return s.last
}

// Peek previews the MAs as if a bar closed at the given price, without
// mutating state. Used by the ops status endpoint only.
func (c *Cache) Peek(pair string, tf model.Timeframe, close float64) (fast, slow float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, found := c.streams[streamKey(pair, tf)]
	if !found {
		return 0, 0, false
	}
	return s.fast.Peek(close), s.slow.Peek(close), true
}

// LastOpenTime returns the open time of the last ingested bar.
func (c *Cache) LastOpenTime(pair string, tf model.Timeframe) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[streamKey(pair, tf)]
	if !ok || s.lastOpen.IsZero() {
		return time.Time{}, false
	}
	return s.lastOpen, true
}

// Warm reports whether the stream exists and its buffers are full.
func (c *Cache) Warm(pair string, tf model.Timeframe) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[streamKey(pair, tf)]
	return ok && s.fast.Ready() && s.slow.Ready() && s.atr.Ready() && s.havePrev
}

// Drop removes a stream (used before a re-warm after GapDetected).
func (c *Cache) Drop(pair string, tf model.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, streamKey(pair, tf))
}
