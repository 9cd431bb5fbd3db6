package indicator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fxsignal/internal/model"
)

// Checkpoint is the serializable state of one stream. The key embeds the
// window configuration, so changing any window orphans the old checkpoint
// and forces a fresh warm-up.
type Checkpoint struct {
	Version  int             `json:"version"`
	Pair     string          `json:"pair"`
	TF       model.Timeframe `json:"tf"`
	Windows  Windows         `json:"windows"`
	LastOpen time.Time       `json:"last_open"`
	PrevFast float64         `json:"prev_fast"`
	PrevSlow float64         `json:"prev_slow"`
	HavePrev bool            `json:"have_prev"`
	Fast     maState         `json:"fast"`
	Slow     maState         `json:"slow"`
	ATRState atrState        `json:"atr"`
}

// CheckpointKey builds the storage key for a stream + window config.
func CheckpointKey(pair string, tf model.Timeframe, win Windows) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", pair, tf, win.Fast, win.Slow, win.ATR)
}

// Key returns the checkpoint's storage key.
func (cp *Checkpoint) Key() string {
	return CheckpointKey(cp.Pair, cp.TF, cp.Windows)
}

func (s *stream) checkpoint() *Checkpoint {
	return &Checkpoint{
		Version:  1,
		Pair:     s.pair,
		TF:       s.tf,
		Windows:  s.win,
		LastOpen: s.lastOpen,
		PrevFast: s.prevFast,
		PrevSlow: s.prevSlow,
		HavePrev: s.havePrev,
		Fast:     s.fast.snapshot(),
		Slow:     s.slow.snapshot(),
		ATRState: s.atr.snapshot(),
	}
}

// Restore rebuilds a stream from a persisted checkpoint. Ingest resumes from
// LastOpen; replayed bars at or before it are no-ops.
func (c *Cache) Restore(cp *Checkpoint) error {
	if cp.Windows.Fast <= 0 || cp.Windows.Slow <= 0 || cp.Windows.ATR <= 0 {
		return fmt.Errorf("indicator: checkpoint %s has invalid windows", cp.Key())
	}
	s := &stream{
		pair:     cp.Pair,
		tf:       cp.TF,
		win:      cp.Windows,
		fast:     restoreMA(cp.Fast),
		slow:     restoreMA(cp.Slow),
		atr:      restoreATR(cp.ATRState),
		lastOpen: cp.LastOpen,
		prevFast: cp.PrevFast,
		prevSlow: cp.PrevSlow,
		havePrev: cp.HavePrev,
	}
	c.mu.Lock()
	c.streams[streamKey(cp.Pair, cp.TF)] = s
	c.mu.Unlock()
	c.log.Info("stream restored from checkpoint",
		zap.String("pair", cp.Pair), zap.String("tf", string(cp.TF)),
		zap.Time("last_open", cp.LastOpen))
	return nil
}

// TryRestore loads the checkpoint for a stream + window config from the
// store. Returns false when no checkpoint exists (cold start).
func (c *Cache) TryRestore(ctx context.Context, pair string, tf model.Timeframe, win Windows) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	cp, err := c.store.LoadCheckpoint(ctx, CheckpointKey(pair, tf, win))
	if err != nil {
		return false, err
	}
	if cp == nil {
		return false, nil
	}
	if err := c.Restore(cp); err != nil {
		return false, err
	}
	return true, nil
}
