package model

import "time"

// Direction is the trade side of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Regime is the qualitative market state attached by the regime classifier.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeHighVol  Regime = "HIGH_VOL"
	RegimeLowVol   Regime = "LOW_VOL"
)

// SignalCandidate is an unpersisted crossover signal produced by the engine.
// It becomes a Signal once the risk controller has ruled on it.
type SignalCandidate struct {
	Pair        string            `json:"pair"`
	TF          Timeframe         `json:"tf"`
	Direction   Direction         `json:"direction"`
	GeneratedAt time.Time         `json:"generated_at"`
	BarOpenTime time.Time         `json:"bar_open_time"` // crossover bar
	SignalPrice float64           `json:"signal_price"`  // close of the crossover bar
	StopLoss    float64           `json:"stop_loss"`
	TakeProfit  float64           `json:"take_profit"`
	Confidence  float64           `json:"confidence"` // [0,1]
	DedupKey    string            `json:"dedup_key"`
	Context     map[string]string `json:"context,omitempty"` // regime, session, confluence, filter results
}

// RiskReward returns |TP-entry| / |entry-SL|. Zero when the stop distance is zero.
func (c *SignalCandidate) RiskReward() float64 {
	risk := abs(c.SignalPrice - c.StopLoss)
	if risk == 0 {
		return 0
	}
	return abs(c.TakeProfit-c.SignalPrice) / risk
}

// Signal is the persisted form of an evaluated candidate. Immutable once stored.
type Signal struct {
	ID             int64     `json:"id"`
	SignalCandidate
	SizedFraction  float64   `json:"sized_position_fraction"` // 0..1, 0 when vetoed
	RiskVeto       string    `json:"risk_veto,omitempty"`     // empty = accepted
	EmergencyLevel int       `json:"emergency_level_at_emission"`
	StoredAt       time.Time `json:"stored_at"`
}

// Vetoed reports whether the risk controller suppressed delivery.
func (s *Signal) Vetoed() bool { return s.RiskVeto != "" }

// Priority orders notification delivery. Higher Rank wins.
type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank returns the numeric ordering of a priority (URGENT highest).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// PriorityFromConfidence maps a confidence score to a delivery priority.
func PriorityFromConfidence(conf float64) Priority {
	switch {
	case conf >= 0.9:
		return PriorityUrgent
	case conf >= 0.8:
		return PriorityHigh
	case conf >= 0.6:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
