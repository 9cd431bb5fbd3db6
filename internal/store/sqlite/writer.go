// Package sqlite is the durable store: signals, indicator checkpoints,
// portfolio snapshots, the emergency event log, and notification envelopes.
// One Store owns a single write connection in WAL mode; all mutations are
// serialized through it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fxsignal/internal/indicator"
	"fxsignal/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnavailable wraps driver failures so callers can classify storage
// outages without inspecting driver error strings.
var ErrUnavailable = errors.New("storage unavailable")

// RecordResult is the outcome of a signal insert.
type RecordResult string

const (
	RecordStored    RecordResult = "STORED"
	RecordDuplicate RecordResult = "DUPLICATE"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/fxsignal.db"
}

// Store is a single-writer SQLite store.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; WAL readers do not block it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite store opened", zap.String("path", cfg.DBPath))
	return &Store{db: db, log: log.Named("sqlite")}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("sqlite")}
}

// InitSchema creates the schema on an externally opened connection.
func (s *Store) InitSchema() error { return createSchema(s.db) }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			dedup_key       TEXT    NOT NULL UNIQUE,
			pair            TEXT    NOT NULL,
			tf              TEXT    NOT NULL,
			direction       TEXT    NOT NULL,
			bar_open_ts     INTEGER NOT NULL,
			generated_at    INTEGER NOT NULL,
			signal_price    REAL    NOT NULL,
			stop_loss       REAL    NOT NULL,
			take_profit     REAL    NOT NULL,
			confidence      REAL    NOT NULL,
			sized_fraction  REAL    NOT NULL,
			risk_veto       TEXT    NOT NULL DEFAULT '',
			emergency_level INTEGER NOT NULL DEFAULT 0,
			context         TEXT,
			stored_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_pair_tf_ts
			ON signals (pair, tf, bar_open_ts);

		CREATE TABLE IF NOT EXISTS indicator_checkpoints (
			key        TEXT PRIMARY KEY,
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS portfolio_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS emergency_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			event_time   INTEGER NOT NULL,
			prior_level  INTEGER NOT NULL,
			new_level    INTEGER NOT NULL,
			cause        TEXT    NOT NULL,
			metrics      TEXT    NOT NULL,
			scale_factor REAL    NOT NULL,
			halt_flag    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notification_envelopes (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_dedup_key  TEXT    NOT NULL,
			priority          TEXT    NOT NULL,
			channels          TEXT    NOT NULL,
			payload           TEXT    NOT NULL,
			attempts          INTEGER NOT NULL DEFAULT 0,
			first_enqueued_at INTEGER NOT NULL,
			next_attempt_at   INTEGER NOT NULL,
			state             TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_envelopes_state
			ON notification_envelopes (state);
	`)
	return err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %v", op, ErrUnavailable, err)
}

// RecordSignal inserts a signal keyed by its dedup key. A second insert with
// the same key is a no-op reporting RecordDuplicate; the stored row is never
// mutated. On success the signal's ID and StoredAt are filled in.
func (s *Store) RecordSignal(ctx context.Context, sig *model.Signal) (RecordResult, error) {
	var ctxJSON []byte
	if len(sig.Context) > 0 {
		var err error
		ctxJSON, err = json.Marshal(sig.Context)
		if err != nil {
			return "", fmt.Errorf("sqlite marshal signal context: %w", err)
		}
	}
	storedAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (dedup_key, pair, tf, direction, bar_open_ts, generated_at,
			signal_price, stop_loss, take_profit, confidence,
			sized_fraction, risk_veto, emergency_level, context, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`, sig.DedupKey, sig.Pair, string(sig.TF), string(sig.Direction),
		sig.BarOpenTime.Unix(), sig.GeneratedAt.Unix(),
		sig.SignalPrice, sig.StopLoss, sig.TakeProfit, sig.Confidence,
		sig.SizedFraction, sig.RiskVeto, sig.EmergencyLevel,
		string(ctxJSON), storedAt.Unix())
	if err != nil {
		return "", unavailable("record signal", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", unavailable("record signal", err)
	}
	if n == 0 {
		s.log.Debug("duplicate signal suppressed", zap.String("dedup_key", sig.DedupKey))
		return RecordDuplicate, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		sig.ID = id
	}
	sig.StoredAt = storedAt
	return RecordStored, nil
}

// SaveCheckpoint upserts an indicator checkpoint under its stream key.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *indicator.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("sqlite marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO indicator_checkpoints (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, cp.Key(), string(data), time.Now().Unix())
	if err != nil {
		return unavailable("save checkpoint", err)
	}
	return nil
}

// SavePortfolioState overwrites the single portfolio snapshot row.
func (s *Store) SavePortfolioState(ctx context.Context, st *model.PortfolioState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite marshal portfolio state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO portfolio_state (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), st.UpdatedAt.Unix())
	if err != nil {
		return unavailable("save portfolio state", err)
	}
	return nil
}

// AppendEmergencyEvent appends to the emergency log. Rows are never updated
// or deleted.
func (s *Store) AppendEmergencyEvent(ctx context.Context, ev *model.EmergencyEvent) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("sqlite marshal emergency metrics: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_events (event_time, prior_level, new_level, cause, metrics, scale_factor, halt_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.EventTime.Unix(), ev.PriorLevel, ev.NewLevel, string(ev.Trigger),
		string(metrics), ev.ScaleFactor, ev.Halt)
	if err != nil {
		return unavailable("append emergency event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// SaveEnvelope inserts a new envelope or updates the delivery state of an
// existing one. New envelopes get their ID filled in.
func (s *Store) SaveEnvelope(ctx context.Context, e *model.NotificationEnvelope) error {
	channels, err := json.Marshal(e.Channels)
	if err != nil {
		return fmt.Errorf("sqlite marshal envelope channels: %w", err)
	}
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO notification_envelopes
				(signal_dedup_key, priority, channels, payload, attempts, first_enqueued_at, next_attempt_at, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.SignalDedupKey, string(e.Priority), string(channels), string(e.Payload),
			e.Attempts, e.FirstEnqueuedAt.Unix(), e.NextAttemptAt.Unix(), string(e.State))
		if err != nil {
			return unavailable("insert envelope", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			e.ID = id
		}
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE notification_envelopes
		SET channels = ?, attempts = ?, next_attempt_at = ?, state = ?
		WHERE id = ?
	`, string(channels), e.Attempts, e.NextAttemptAt.Unix(), string(e.State), e.ID)
	if err != nil {
		return unavailable("update envelope", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
