package risk

import (
	"fxsignal/internal/config"
	"fxsignal/internal/model"
)

// Emergency ladder. Transitions are pure functions of the current metrics so
// the module is property-testable: entryLevel computes the level the metrics
// demand, escalation is immediate and monotonic, and de-escalation requires
// every metric below the current level's lower band for a full cool-down.
//
//	Level 0 Normal   — full size
//	Level 1 Caution  — scale 0.8
//	Level 2 Stress   — scale 0.5, veto LOW/NORMAL priorities
//	Level 3 Crisis   — scale 0.25, accept URGENT only
//	Level 4 Halt     — veto all, manual exit only
var levelScales = [5]float64{1.0, 0.8, 0.5, 0.25, 0}

// LevelScale returns the position scale factor for an emergency level.
func LevelScale(level int) float64 {
	if level < 0 || level > 4 {
		return 0
	}
	return levelScales[level]
}

// entryLevel returns the highest level whose entry trigger the metrics meet,
// together with the trigger that fired it.
func entryLevel(m model.RiskMetrics, cfg config.RiskConfig) (int, model.EmergencyTrigger) {
	switch {
	case m.Drawdown >= cfg.T4:
		return 4, model.TriggerDrawdown
	case m.Drawdown >= cfg.T3:
		return 3, model.TriggerDrawdown
	case m.VaR95 >= cfg.V3:
		return 3, model.TriggerVaR
	case m.CorrBreakdown:
		return 3, model.TriggerCorrelation
	case m.Drawdown >= cfg.T2:
		return 2, model.TriggerDrawdown
	case m.VolZ >= cfg.Z2:
		return 2, model.TriggerVolatility
	case m.VaR95 >= cfg.V2:
		return 2, model.TriggerVaR
	case m.Drawdown >= cfg.T1:
		return 1, model.TriggerDrawdown
	case m.VolZ >= cfg.Z1:
		return 1, model.TriggerVolatility
	}
	return 0, ""
}

// belowLowerBand reports whether every metric sits below the lower
// (hysteresis) band of the given level, i.e. entry threshold minus δ.
// Used as the sustained condition for de-escalation out of that level.
func belowLowerBand(m model.RiskMetrics, level int, cfg config.RiskConfig) bool {
	d := cfg.DeltaHysteresis
	switch level {
	case 1:
		return m.Drawdown < cfg.T1-d && m.VolZ < cfg.Z1-d
	case 2:
		return m.Drawdown < cfg.T2-d && m.VolZ < cfg.Z2-d && m.VaR95 < cfg.V2-d
	case 3:
		return m.Drawdown < cfg.T3-d && m.VaR95 < cfg.V3-d && !m.CorrBreakdown
	case 4:
		// Manual exit only.
		return false
	}
	return true
}

// priorityAdmitted reports whether a signal of the given priority may pass
// at the given emergency level.
func priorityAdmitted(level int, p model.Priority) bool {
	switch level {
	case 0, 1:
		return true
	case 2:
		return p == model.PriorityUrgent || p == model.PriorityHigh
	case 3:
		return p == model.PriorityUrgent
	default:
		return false
	}
}
