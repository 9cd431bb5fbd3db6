package model

import "time"

// EnvelopeState is the delivery state of a notification envelope.
type EnvelopeState string

const (
	EnvelopePending   EnvelopeState = "PENDING"
	EnvelopeInFlight  EnvelopeState = "IN_FLIGHT"
	EnvelopeDelivered EnvelopeState = "DELIVERED" // terminal
	EnvelopeDead      EnvelopeState = "DEAD"      // terminal: attempts exhausted or stale
	EnvelopeEvicted   EnvelopeState = "EVICTED"   // terminal: displaced from a full queue
)

// NotificationEnvelope is a signal in transit to one or more channels.
// State transitions are owned by a single dispatcher worker at a time
// (IN_FLIGHT acts as a lease).
type NotificationEnvelope struct {
	ID              int64         `json:"envelope_id"`
	SignalDedupKey  string        `json:"signal_id"`
	Priority        Priority      `json:"priority"`
	Channels        []string      `json:"channel_set"`
	Payload         []byte        `json:"payload"`
	Attempts        int           `json:"attempts"`
	FirstEnqueuedAt time.Time     `json:"first_enqueued_at"`
	NextAttemptAt   time.Time     `json:"next_earliest_attempt_at"`
	State           EnvelopeState `json:"state"`
}

// Terminal reports whether the envelope can never be attempted again.
func (e *NotificationEnvelope) Terminal() bool {
	return e.State == EnvelopeDelivered || e.State == EnvelopeDead || e.State == EnvelopeEvicted
}

// SignalPayload is the JSON body pushed to webhooks and WS subscribers.
type SignalPayload struct {
	SignalID       string    `json:"signal_id"`
	Pair           string    `json:"pair"`
	TF             Timeframe `json:"timeframe"`
	Direction      Direction `json:"direction"`
	SignalPrice    float64   `json:"signal_price"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	Confidence     float64   `json:"confidence"`
	SizedFraction  float64   `json:"sized_position_fraction"`
	EmergencyLevel int       `json:"emergency_level"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// PayloadFromSignal builds the outbound payload for an accepted signal.
func PayloadFromSignal(s *Signal) SignalPayload {
	return SignalPayload{
		SignalID:       s.DedupKey,
		Pair:           s.Pair,
		TF:             s.TF,
		Direction:      s.Direction,
		SignalPrice:    s.SignalPrice,
		StopLoss:       s.StopLoss,
		TakeProfit:     s.TakeProfit,
		Confidence:     s.Confidence,
		SizedFraction:  s.SizedFraction,
		EmergencyLevel: s.EmergencyLevel,
		GeneratedAt:    s.GeneratedAt,
	}
}

// Tier partitions streaming subscribers. Each tier has a configured minimum
// confidence; only signals at or above it are pushed to that tier.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPremium Tier = "PREMIUM"
	TierHolder  Tier = "HOLDER"
	TierWhale   Tier = "WHALE"
)
