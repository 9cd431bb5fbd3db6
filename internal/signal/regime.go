package signal

import (
	"math"

	"fxsignal/internal/model"
)

// Regime classification thresholds. The tags are a deterministic function of
// the snapshot, so replays label bars identically.
const (
	highVolZ      = 1.5 // TR z-score above which the bar is HIGH_VOL
	lowVolZ       = -1.5
	trendMASpread = 0.5 // |fast-slow| in ATR units above which TRENDING
)

// ClassifyRegime tags the market state for one snapshot.
func ClassifyRegime(snap *model.IndicatorSnapshot) model.Regime {
	switch {
	case snap.ATRZ >= highVolZ:
		return model.RegimeHighVol
	case snap.ATRZ <= lowVolZ:
		return model.RegimeLowVol
	}
	if snap.ATR > 0 && math.Abs(snap.FastMA-snap.SlowMA)/snap.ATR >= trendMASpread {
		return model.RegimeTrending
	}
	return model.RegimeRanging
}
