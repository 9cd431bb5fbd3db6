// Package signal turns indicator snapshots into crossover signal candidates.
//
// A LONG candidate fires when the fast MA crosses from at-or-below the slow
// MA to above it on the just-closed bar; SHORT on the mirror. Candidates then
// run a fixed filter chain (session → confluence → regime); the first drop
// wins. Stops and targets come from ATR multiples and the engine enforces the
// configured minimum risk:reward.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fxsignal/internal/config"
	"fxsignal/internal/model"
)

// Confidence weighting. Deterministic given the snapshot and filter outputs.
const (
	wConfluence = 0.4
	wRegime     = 0.3
	wATRNormal  = 0.3
)

// SnapshotLookup resolves the latest snapshot for a (pair, timeframe); the
// indicator cache implements it. Used for higher-timeframe confluence.
type SnapshotLookup func(pair string, tf model.Timeframe) *model.IndicatorSnapshot

// Engine evaluates snapshots for one or many streams. Stateless between
// calls: the crossover decision uses only the snapshot's prev/current MAs,
// so replays are idempotent.
type Engine struct {
	cfgFor func(pair string) config.StrategyConfig
	lookup SnapshotLookup
	now    func() time.Time
	onDrop func(filter string)
	log    *zap.Logger
}

// SetDropHook registers a callback invoked with the filter name whenever a
// filter drops a candidate. Used for instrumentation.
func (e *Engine) SetDropHook(fn func(filter string)) { e.onDrop = fn }

// NewEngine creates a signal engine. lookup may be nil, disabling
// higher-timeframe confluence (trend alignment scores neutral).
func NewEngine(cfgFor func(pair string) config.StrategyConfig, lookup SnapshotLookup, now func() time.Time, log *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfgFor: cfgFor, lookup: lookup, now: now, log: log.Named("signal")}
}

// higherTF maps each timeframe to the next coarser one used for confluence.
var higherTF = map[model.Timeframe]model.Timeframe{
	model.M15: model.H1,
	model.H1:  model.H4,
	model.H4:  model.D,
	model.D:   model.W,
}

// OnSnapshot evaluates one warm snapshot and returns a candidate, or nil if
// no crossover occurred on this bar or a filter dropped it.
func (e *Engine) OnSnapshot(snap *model.IndicatorSnapshot) *model.SignalCandidate {
	if snap == nil || !snap.Warm {
		return nil
	}

	var dir model.Direction
	switch {
	case snap.PrevFastMA <= snap.PrevSlowMA && snap.FastMA > snap.SlowMA:
		dir = model.Long
	case snap.PrevFastMA >= snap.PrevSlowMA && snap.FastMA < snap.SlowMA:
		dir = model.Short
	default:
		return nil
	}

	cfg := e.cfgFor(snap.Pair)

	// Minimum R:R is a pure function of the multipliers; a config that can
	// never satisfy it drops everything up front.
	if cfg.TPATRMultiplier/cfg.SLATRMultiplier < cfg.MinRR {
		e.log.Debug("rr below floor",
			zap.String("pair", snap.Pair),
			zap.Float64("rr", cfg.TPATRMultiplier/cfg.SLATRMultiplier),
			zap.Float64("min_rr", cfg.MinRR))
		return nil
	}

	fctx := &FilterContext{
		Snapshot:  snap,
		Direction: dir,
		Regime:    ClassifyRegime(snap),
	}
	if e.lookup != nil {
		if h, ok := higherTF[snap.TF]; ok {
			fctx.HigherTF = e.lookup(snap.Pair, h)
		}
	}

	filters := []Filter{
		NewSessionFilter(cfg.SessionWindows),
		NewConfluenceFilter(cfg.Levels, cfg.MinConfluence),
		NewRegimeFilter(cfg.RegimeWhitelist),
	}

	context := make(map[string]string, 8)
	confluence := 0.5
	for _, f := range filters {
		res := f.Apply(fctx)
		for k, v := range res.Context {
			context[k] = v
		}
		if res.Drop {
			e.log.Debug("candidate dropped",
				zap.String("pair", snap.Pair), zap.String("tf", string(snap.TF)),
				zap.String("filter", f.Name()), zap.String("reason", res.Reason))
			if e.onDrop != nil {
				e.onDrop(f.Name())
			}
			return nil
		}
		if f.Name() == "confluence" {
			confluence = res.Score
		}
	}

	entry := snap.Close
	var sl, tp float64
	if dir == model.Long {
		sl = entry - cfg.SLATRMultiplier*snap.ATR
		tp = entry + cfg.TPATRMultiplier*snap.ATR
	} else {
		sl = entry + cfg.SLATRMultiplier*snap.ATR
		tp = entry - cfg.TPATRMultiplier*snap.ATR
	}

	conf := e.confidence(confluence, fctx.Regime, snap.ATRZ, cfg)
	if conf < cfg.MinConfidence {
		e.log.Debug("confidence below floor",
			zap.String("pair", snap.Pair), zap.Float64("confidence", conf))
		return nil
	}
	context["atr"] = strconv.FormatFloat(snap.ATR, 'f', -1, 64)

	return &model.SignalCandidate{
		Pair:        snap.Pair,
		TF:          snap.TF,
		Direction:   dir,
		GeneratedAt: e.now().UTC(),
		BarOpenTime: snap.BarOpenTime,
		SignalPrice: entry,
		StopLoss:    sl,
		TakeProfit:  tp,
		Confidence:  conf,
		DedupKey:    DedupKey(snap.Pair, snap.TF, dir, snap.BarOpenTime),
		Context:     context,
	}
}

// confidence combines confluence, regime match, and ATR normalcy, clipped to
// [0,1]. Regime match scores 1 when the whitelist is empty or the regime is
// TRENDING (crossovers are trend entries), 0.5 otherwise.
func (e *Engine) confidence(confluence float64, regime model.Regime, atrZ float64, cfg config.StrategyConfig) float64 {
	regimeScore := 0.5
	if regime == model.RegimeTrending {
		regimeScore = 1
	}
	if len(cfg.RegimeWhitelist) > 0 {
		// The regime filter passed, so the regime is explicitly whitelisted.
		regimeScore = 1
	}
	normalcy := 1 - math.Abs(atrZ)/3
	if normalcy < 0 {
		normalcy = 0
	}
	conf := wConfluence*confluence + wRegime*regimeScore + wATRNormal*normalcy
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// DedupKey is the idempotency key of a crossover: a pure function of
// (pair, timeframe, direction, crossover bar open time), reproducible
// without reading prior state.
func DedupKey(pair string, tf model.Timeframe, dir model.Direction, barOpen time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", pair, tf, dir, barOpen.UTC().Unix())))
	return hex.EncodeToString(h[:16])
}
