package sqlite

import (
	"context"
	"database/sql"
	"time"

	"fxsignal/internal/indicator"
	"fxsignal/internal/model"
)

// LoadCheckpoint returns the checkpoint stored under key, or nil when none
// exists.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (*indicator.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM indicator_checkpoints WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("load checkpoint", err)
	}
	var cp indicator.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, unavailable("decode checkpoint", err)
	}
	return &cp, nil
}

// LoadPortfolioState returns the last persisted snapshot, or nil when the
// store is fresh.
func (s *Store) LoadPortfolioState(ctx context.Context) (*model.PortfolioState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM portfolio_state WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("load portfolio state", err)
	}
	var st model.PortfolioState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, unavailable("decode portfolio state", err)
	}
	return &st, nil
}

// GetSignal returns the signal stored under the dedup key, or nil.
func (s *Store) GetSignal(ctx context.Context, dedupKey string) (*model.Signal, error) {
	row := s.db.QueryRowContext(ctx, signalColumns+` WHERE dedup_key = ?`, dedupKey)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get signal", err)
	}
	return sig, nil
}

// RecentSignals returns up to limit signals, newest first.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]*model.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		signalColumns+` ORDER BY bar_open_ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("recent signals", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// SignalsSince returns all signals with a bar open time at or after since,
// oldest first. Used by replay and the ops API.
func (s *Store) SignalsSince(ctx context.Context, since time.Time) ([]*model.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		signalColumns+` WHERE bar_open_ts >= ? ORDER BY bar_open_ts ASC, id ASC`, since.Unix())
	if err != nil {
		return nil, unavailable("signals since", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// RecentEmergencyEvents returns up to limit emergency transitions, newest
// first.
func (s *Store) RecentEmergencyEvents(ctx context.Context, limit int) ([]*model.EmergencyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_time, prior_level, new_level, cause, metrics, scale_factor, halt_flag
		FROM emergency_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, unavailable("recent emergency events", err)
	}
	defer rows.Close()

	var events []*model.EmergencyEvent
	for rows.Next() {
		var (
			ev      model.EmergencyEvent
			ts      int64
			cause   string
			metrics string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.PriorLevel, &ev.NewLevel,
			&cause, &metrics, &ev.ScaleFactor, &ev.Halt); err != nil {
			return nil, unavailable("scan emergency event", err)
		}
		ev.EventTime = time.Unix(ts, 0).UTC()
		ev.Trigger = model.EmergencyTrigger(cause)
		if err := json.Unmarshal([]byte(metrics), &ev.Metrics); err != nil {
			return nil, unavailable("decode emergency metrics", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PendingEnvelopes returns envelopes that still need delivery, including
// IN_FLIGHT rows orphaned by a crash. Ordered oldest first.
func (s *Store) PendingEnvelopes(ctx context.Context) ([]*model.NotificationEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_dedup_key, priority, channels, payload, attempts, first_enqueued_at, next_attempt_at, state
		FROM notification_envelopes
		WHERE state IN ('PENDING', 'IN_FLIGHT')
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, unavailable("pending envelopes", err)
	}
	defer rows.Close()

	var envelopes []*model.NotificationEnvelope
	for rows.Next() {
		var (
			e                  model.NotificationEnvelope
			channels, payload  string
			priority, state    string
			enqueuedTS, nextTS int64
		)
		if err := rows.Scan(&e.ID, &e.SignalDedupKey, &priority, &channels,
			&payload, &e.Attempts, &enqueuedTS, &nextTS, &state); err != nil {
			return nil, unavailable("scan envelope", err)
		}
		e.Priority = model.Priority(priority)
		e.State = model.EnvelopeState(state)
		e.Payload = []byte(payload)
		e.FirstEnqueuedAt = time.Unix(enqueuedTS, 0).UTC()
		e.NextAttemptAt = time.Unix(nextTS, 0).UTC()
		if err := json.Unmarshal([]byte(channels), &e.Channels); err != nil {
			return nil, unavailable("decode envelope channels", err)
		}
		envelopes = append(envelopes, &e)
	}
	return envelopes, rows.Err()
}

const signalColumns = `
	SELECT id, dedup_key, pair, tf, direction, bar_open_ts, generated_at,
		signal_price, stop_loss, take_profit, confidence,
		sized_fraction, risk_veto, emergency_level, context, stored_at
	FROM signals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*model.Signal, error) {
	var (
		sig                        model.Signal
		tf, direction, ctxJSON     string
		barOpen, generated, stored int64
	)
	err := row.Scan(&sig.ID, &sig.DedupKey, &sig.Pair, &tf, &direction,
		&barOpen, &generated, &sig.SignalPrice, &sig.StopLoss, &sig.TakeProfit,
		&sig.Confidence, &sig.SizedFraction, &sig.RiskVeto, &sig.EmergencyLevel,
		&ctxJSON, &stored)
	if err != nil {
		return nil, err
	}
	sig.TF = model.Timeframe(tf)
	sig.Direction = model.Direction(direction)
	sig.BarOpenTime = time.Unix(barOpen, 0).UTC()
	sig.GeneratedAt = time.Unix(generated, 0).UTC()
	sig.StoredAt = time.Unix(stored, 0).UTC()
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &sig.Context); err != nil {
			return nil, err
		}
	}
	return &sig, nil
}

func collectSignals(rows *sql.Rows) ([]*model.Signal, error) {
	var signals []*model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, unavailable("scan signal", err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}
