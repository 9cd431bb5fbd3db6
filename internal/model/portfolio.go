package model

import "time"

// Position is an open paper position derived from an accepted signal (or a
// real fill reported through OnExecutionUpdate).
type Position struct {
	Pair       string    `json:"pair"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"` // position fraction of equity
	EntryPrice float64   `json:"entry_price"`
	Unrealized float64   `json:"unrealized"`
	OpenedAt   time.Time `json:"opened_at"`
}

// RiskMetrics is the rolling-metric snapshot the emergency ladder evaluates.
type RiskMetrics struct {
	Drawdown    float64 `json:"drawdown"` // 1 - equity/HWM
	VolZ        float64 `json:"vol_z"`    // short-window realized vol vs long baseline
	VaR95       float64 `json:"var_95"`   // historical-simulation estimate
	MaxPairCorr float64 `json:"max_pair_corr"`
	// CorrBreakdown is set when correlated exposure exists in two pairs whose
	// rolling correlation exceeds the configured ceiling.
	CorrBreakdown bool `json:"corr_breakdown"`
}

// PortfolioState is the single-writer state owned by the risk controller.
// Reads go through immutable copies (Clone).
type PortfolioState struct {
	HighWaterMark    float64              `json:"equity_high_water_mark"`
	Equity           float64              `json:"current_equity_est"`
	RealizedPnL      float64              `json:"realized_pnl"`
	OpenPositions    map[string]*Position `json:"open_positions"`
	Metrics          RiskMetrics          `json:"metrics"`
	EmergencyLevel   int                  `json:"emergency_level"` // 0..4
	LastTransitionAt time.Time            `json:"last_transition_at"`
	FrozenUntil      *time.Time           `json:"frozen_until,omitempty"`
	ManualHalt       bool                 `json:"manual_halt"` // level-4 latch, survives restart
	WarmingUp        bool                 `json:"warming_up"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (p *PortfolioState) Clone() *PortfolioState {
	cp := *p
	cp.OpenPositions = make(map[string]*Position, len(p.OpenPositions))
	for k, v := range p.OpenPositions {
		pos := *v
		cp.OpenPositions[k] = &pos
	}
	if p.FrozenUntil != nil {
		t := *p.FrozenUntil
		cp.FrozenUntil = &t
	}
	return &cp
}

// EmergencyTrigger names what tripped a level transition.
type EmergencyTrigger string

const (
	TriggerDrawdown    EmergencyTrigger = "DRAWDOWN"
	TriggerVolatility  EmergencyTrigger = "VOLATILITY"
	TriggerVaR         EmergencyTrigger = "VAR"
	TriggerCorrelation EmergencyTrigger = "CORRELATION"
	TriggerManual      EmergencyTrigger = "MANUAL"
	TriggerRecovery    EmergencyTrigger = "RECOVERY" // de-escalation after cool-down
)

// EmergencyEvent is the append-only audit record of a level transition.
type EmergencyEvent struct {
	ID          int64            `json:"id"`
	EventTime   time.Time        `json:"event_time"`
	PriorLevel  int              `json:"prior_level"`
	NewLevel    int              `json:"new_level"`
	Trigger     EmergencyTrigger `json:"trigger"`
	Metrics     RiskMetrics      `json:"metrics"`
	ScaleFactor float64          `json:"scale_factor"`
	Halt        bool             `json:"halt_flag"`
}
