package signal

import (
	"fmt"
	"math"
	"strconv"

	"fxsignal/internal/config"
	"fxsignal/internal/model"
)

// FilterContext carries everything a filter may consult for one candidate.
type FilterContext struct {
	Snapshot  *model.IndicatorSnapshot
	Direction model.Direction
	Regime    model.Regime
	// HigherTF is the most recent snapshot of the next-coarser timeframe,
	// nil when none is tracked.
	HigherTF *model.IndicatorSnapshot
}

// FilterResult is a filter's verdict. Score is meaningful only for filters
// that grade (confluence); pass-fail filters leave it at zero.
type FilterResult struct {
	Drop   bool
	Reason string
	Score  float64
	// Context entries merged into the candidate's context map.
	Context map[string]string
}

// Filter vetoes or annotates a candidate. Filters run in a fixed order and
// the first Drop wins.
type Filter interface {
	Name() string
	Apply(fctx *FilterContext) FilterResult
}

// ── Session filter ──

// SessionFilter drops candidates whose crossover bar opened outside the
// pair's configured session windows.
type SessionFilter struct {
	session *Session
}

func NewSessionFilter(windows []config.SessionWindow) *SessionFilter {
	return &SessionFilter{session: NewSession(windows)}
}

func (f *SessionFilter) Name() string { return "session" }

func (f *SessionFilter) Apply(fctx *FilterContext) FilterResult {
	if !f.session.Contains(fctx.Snapshot.BarOpenTime) {
		return FilterResult{Drop: true, Reason: "outside session window"}
	}
	return FilterResult{Context: map[string]string{"session": "in_window"}}
}

// ── Confluence filter ──

// ConfluenceFilter grades higher-timeframe trend alignment and proximity to
// configured support/resistance levels, producing a score in [0,1]. Scores
// below the configured floor drop the candidate.
type ConfluenceFilter struct {
	levels []float64
	floor  float64
}

func NewConfluenceFilter(levels []float64, floor float64) *ConfluenceFilter {
	return &ConfluenceFilter{levels: levels, floor: floor}
}

func (f *ConfluenceFilter) Name() string { return "confluence" }

func (f *ConfluenceFilter) Apply(fctx *FilterContext) FilterResult {
	trend := f.trendAlignment(fctx)
	level := f.levelProximity(fctx)
	score := 0.5*trend + 0.5*level

	res := FilterResult{
		Score: score,
		Context: map[string]string{
			"confluence":       strconv.FormatFloat(score, 'f', 4, 64),
			"confluence_trend": strconv.FormatFloat(trend, 'f', 2, 64),
			"confluence_level": strconv.FormatFloat(level, 'f', 2, 64),
		},
	}
	if score < f.floor {
		res.Drop = true
		res.Reason = fmt.Sprintf("confluence %.2f below floor %.2f", score, f.floor)
	}
	return res
}

// trendAlignment scores agreement between the candidate direction and the
// higher-timeframe MA ordering: 1 aligned, 0 opposed, 0.5 unknown.
func (f *ConfluenceFilter) trendAlignment(fctx *FilterContext) float64 {
	h := fctx.HigherTF
	if h == nil || !h.Warm {
		return 0.5
	}
	higherLong := h.FastMA > h.SlowMA
	if (fctx.Direction == model.Long) == higherLong {
		return 1
	}
	return 0
}

// levelProximity scores distance from the signal price to the nearest
// configured level, in ATR units: 1 at the level, linearly down to 0 at two
// ATRs away. Neutral 0.5 when no levels are configured.
func (f *ConfluenceFilter) levelProximity(fctx *FilterContext) float64 {
	if len(f.levels) == 0 {
		return 0.5
	}
	atr := fctx.Snapshot.ATR
	if atr <= 0 {
		return 0.5
	}
	nearest := math.Inf(1)
	for _, lvl := range f.levels {
		if d := math.Abs(fctx.Snapshot.Close - lvl); d < nearest {
			nearest = d
		}
	}
	score := 1 - nearest/(2*atr)
	if score < 0 {
		score = 0
	}
	return score
}

// ── Regime filter ──

// RegimeFilter drops candidates whose bar regime is outside the pair's
// whitelist. An empty whitelist admits every regime.
type RegimeFilter struct {
	whitelist map[model.Regime]bool
}

func NewRegimeFilter(whitelist []string) *RegimeFilter {
	f := &RegimeFilter{}
	if len(whitelist) > 0 {
		f.whitelist = make(map[model.Regime]bool, len(whitelist))
		for _, r := range whitelist {
			f.whitelist[model.Regime(r)] = true
		}
	}
	return f
}

func (f *RegimeFilter) Name() string { return "regime" }

func (f *RegimeFilter) Apply(fctx *FilterContext) FilterResult {
	res := FilterResult{Context: map[string]string{"regime": string(fctx.Regime)}}
	if f.whitelist != nil && !f.whitelist[fctx.Regime] {
		res.Drop = true
		res.Reason = fmt.Sprintf("regime %s not whitelisted", fctx.Regime)
	}
	return res
}
