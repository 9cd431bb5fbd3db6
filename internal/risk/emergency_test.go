package risk

import (
	"testing"

	"fxsignal/internal/config"
	"fxsignal/internal/model"
)

func ladderConfig() config.RiskConfig {
	return config.RiskConfig{
		T1: 0.05, T2: 0.10, T3: 0.15, T4: 0.25,
		Z1: 2.0, Z2: 3.0,
		V2: 0.05, V3: 0.08,
		DeltaHysteresis: 0.01,
		MaxPairCorr:     0.8,
	}
}

func TestEntryLevel(t *testing.T) {
	cfg := ladderConfig()
	cases := []struct {
		name    string
		m       model.RiskMetrics
		level   int
		trigger model.EmergencyTrigger
	}{
		{"calm", model.RiskMetrics{}, 0, ""},
		{"drawdown t1", model.RiskMetrics{Drawdown: 0.05}, 1, model.TriggerDrawdown},
		{"vol z1", model.RiskMetrics{VolZ: 2.0}, 1, model.TriggerVolatility},
		{"drawdown t2", model.RiskMetrics{Drawdown: 0.10}, 2, model.TriggerDrawdown},
		{"vol z2", model.RiskMetrics{VolZ: 3.0}, 2, model.TriggerVolatility},
		{"var v2", model.RiskMetrics{VaR95: 0.05}, 2, model.TriggerVaR},
		{"drawdown t3", model.RiskMetrics{Drawdown: 0.15}, 3, model.TriggerDrawdown},
		{"var v3", model.RiskMetrics{VaR95: 0.08}, 3, model.TriggerVaR},
		{"corr breakdown", model.RiskMetrics{CorrBreakdown: true}, 3, model.TriggerCorrelation},
		{"drawdown t4", model.RiskMetrics{Drawdown: 0.25}, 4, model.TriggerDrawdown},
		{"drawdown wins over vol", model.RiskMetrics{Drawdown: 0.25, VolZ: 2.5}, 4, model.TriggerDrawdown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			level, trigger := entryLevel(c.m, cfg)
			if level != c.level || trigger != c.trigger {
				t.Fatalf("entryLevel = (%d, %s), want (%d, %s)", level, trigger, c.level, c.trigger)
			}
		})
	}
}

func TestBelowLowerBand(t *testing.T) {
	cfg := ladderConfig()
	cases := []struct {
		name  string
		m     model.RiskMetrics
		level int
		want  bool
	}{
		{"clear of level 1", model.RiskMetrics{Drawdown: 0.03}, 1, true},
		{"inside level 1 band", model.RiskMetrics{Drawdown: 0.045}, 1, false},
		{"at band edge holds", model.RiskMetrics{Drawdown: 0.09}, 2, false},
		{"clear of level 2", model.RiskMetrics{Drawdown: 0.085}, 2, true},
		{"vol keeps level 2", model.RiskMetrics{Drawdown: 0.02, VolZ: 2.995}, 2, false},
		{"corr keeps level 3", model.RiskMetrics{CorrBreakdown: true}, 3, false},
		{"level 4 never exits on metrics", model.RiskMetrics{}, 4, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := belowLowerBand(c.m, c.level, cfg); got != c.want {
				t.Fatalf("belowLowerBand = %v, want %v", got, c.want)
			}
		})
	}
}

func TestPriorityAdmitted(t *testing.T) {
	cases := []struct {
		level int
		p     model.Priority
		want  bool
	}{
		{0, model.PriorityLow, true},
		{1, model.PriorityLow, true},
		{2, model.PriorityNormal, false},
		{2, model.PriorityHigh, true},
		{2, model.PriorityUrgent, true},
		{3, model.PriorityHigh, false},
		{3, model.PriorityUrgent, true},
		{4, model.PriorityUrgent, false},
	}
	for _, c := range cases {
		if got := priorityAdmitted(c.level, c.p); got != c.want {
			t.Errorf("priorityAdmitted(%d, %s) = %v, want %v", c.level, c.p, got, c.want)
		}
	}
}

func TestLevelScale(t *testing.T) {
	want := []float64{1.0, 0.8, 0.5, 0.25, 0}
	for level, w := range want {
		if got := LevelScale(level); got != w {
			t.Errorf("LevelScale(%d) = %v, want %v", level, got, w)
		}
	}
	if LevelScale(-1) != 0 || LevelScale(5) != 0 {
		t.Error("out-of-range level should scale to 0")
	}
}
