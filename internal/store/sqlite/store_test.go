package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"fxsignal/internal/indicator"
	"fxsignal/internal/logger"
	"fxsignal/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")}, logger.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleSignal(barOpen time.Time) *model.Signal {
	return &model.Signal{
		SignalCandidate: model.SignalCandidate{
			Pair:        "EURUSD",
			TF:          model.H1,
			Direction:   model.Long,
			GeneratedAt: barOpen.Add(time.Hour),
			BarOpenTime: barOpen,
			SignalPrice: 1.1030,
			StopLoss:    1.0970,
			TakeProfit:  1.1150,
			Confidence:  0.82,
			DedupKey:    "deadbeefdeadbeefdeadbeefdeadbeef",
			Context:     map[string]string{"regime": "TRENDING"},
		},
		SizedFraction:  0.01,
		EmergencyLevel: 0,
	}
}

func TestRecordSignal_StoredThenDuplicate(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	barOpen := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	sig := sampleSignal(barOpen)
	res, err := st.RecordSignal(ctx, sig)
	if err != nil {
		t.Fatalf("RecordSignal: %v", err)
	}
	if res != RecordStored {
		t.Fatalf("first insert = %s, want STORED", res)
	}
	if sig.ID == 0 || sig.StoredAt.IsZero() {
		t.Fatalf("stored signal missing ID or StoredAt: id=%d", sig.ID)
	}

	// Same dedup key with different content: no-op, stored row untouched.
	again := sampleSignal(barOpen)
	again.SignalPrice = 9.99
	res, err = st.RecordSignal(ctx, again)
	if err != nil {
		t.Fatalf("RecordSignal duplicate: %v", err)
	}
	if res != RecordDuplicate {
		t.Fatalf("second insert = %s, want DUPLICATE", res)
	}

	got, err := st.GetSignal(ctx, sig.DedupKey)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if got == nil || got.SignalPrice != 1.1030 {
		t.Fatalf("stored row mutated by duplicate insert: %+v", got)
	}
	if got.Context["regime"] != "TRENDING" {
		t.Fatalf("context not round-tripped: %v", got.Context)
	}
}

func TestGetSignal_Missing(t *testing.T) {
	st := testStore(t)
	got, err := st.GetSignal(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestSignalQueries_Ordering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		sig := sampleSignal(base.Add(time.Duration(i) * time.Hour))
		sig.DedupKey = sig.DedupKey[:30] + string(rune('a'+i)) + "x"
		if _, err := st.RecordSignal(ctx, sig); err != nil {
			t.Fatalf("RecordSignal %d: %v", i, err)
		}
	}

	recent, err := st.RecentSignals(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSignals: %v", err)
	}
	if len(recent) != 2 || !recent[0].BarOpenTime.After(recent[1].BarOpenTime) {
		t.Fatalf("RecentSignals order wrong: %v", recent)
	}

	since, err := st.SignalsSince(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("SignalsSince: %v", err)
	}
	if len(since) != 2 || !since[0].BarOpenTime.Before(since[1].BarOpenTime) {
		t.Fatalf("SignalsSince order wrong: %v", since)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	cp := &indicator.Checkpoint{
		Version:  1,
		Pair:     "EURUSD",
		TF:       model.H1,
		Windows:  indicator.Windows{Fast: 10, Slow: 20, ATR: 14},
		LastOpen: time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC),
		PrevFast: 1.1,
		PrevSlow: 1.2,
		HavePrev: true,
	}
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := st.LoadCheckpoint(ctx, cp.Key())
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got == nil || got.Pair != "EURUSD" || !got.LastOpen.Equal(cp.LastOpen) ||
		got.PrevFast != 1.1 || !got.HavePrev {
		t.Fatalf("checkpoint round-trip mismatch: %+v", got)
	}

	// Upsert replaces.
	cp.PrevFast = 2.2
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint upsert: %v", err)
	}
	got, err = st.LoadCheckpoint(ctx, cp.Key())
	if err != nil || got.PrevFast != 2.2 {
		t.Fatalf("upsert not applied: %+v err=%v", got, err)
	}
}

func TestLoadCheckpoint_Missing(t *testing.T) {
	st := testStore(t)
	got, err := st.LoadCheckpoint(context.Background(), "EURUSD|H1|10|20|14")
	if err != nil || got != nil {
		t.Fatalf("got (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestPortfolioStateRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	state := &model.PortfolioState{
		HighWaterMark:  100_000,
		Equity:         94_000,
		RealizedPnL:    -6_000,
		EmergencyLevel: 1,
		ManualHalt:     true,
		OpenPositions: map[string]*model.Position{
			"EURUSD": {Pair: "EURUSD", Direction: model.Long, Size: 0.01, EntryPrice: 1.1},
		},
		UpdatedAt: time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	if err := st.SavePortfolioState(ctx, state); err != nil {
		t.Fatalf("SavePortfolioState: %v", err)
	}

	got, err := st.LoadPortfolioState(ctx)
	if err != nil {
		t.Fatalf("LoadPortfolioState: %v", err)
	}
	if got == nil || got.Equity != 94_000 || !got.ManualHalt || got.EmergencyLevel != 1 {
		t.Fatalf("state round-trip mismatch: %+v", got)
	}
	if got.OpenPositions["EURUSD"] == nil || got.OpenPositions["EURUSD"].Size != 0.01 {
		t.Fatalf("positions not round-tripped: %+v", got.OpenPositions)
	}

	// Second save overwrites the single row.
	state.Equity = 95_000
	if err := st.SavePortfolioState(ctx, state); err != nil {
		t.Fatalf("SavePortfolioState overwrite: %v", err)
	}
	got, _ = st.LoadPortfolioState(ctx)
	if got.Equity != 95_000 {
		t.Fatalf("overwrite not applied: equity=%v", got.Equity)
	}
}

func TestEmergencyEventsAppendOnly(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	for i, tr := range []model.EmergencyTrigger{model.TriggerDrawdown, model.TriggerRecovery} {
		ev := &model.EmergencyEvent{
			EventTime:   base.Add(time.Duration(i) * time.Hour),
			PriorLevel:  i,
			NewLevel:    i + 1,
			Trigger:     tr,
			Metrics:     model.RiskMetrics{Drawdown: 0.06},
			ScaleFactor: 0.8,
		}
		if err := st.AppendEmergencyEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEmergencyEvent: %v", err)
		}
		if ev.ID == 0 {
			t.Fatal("event ID not set")
		}
	}

	events, err := st.RecentEmergencyEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEmergencyEvents: %v", err)
	}
	if len(events) != 2 || events[0].Trigger != model.TriggerRecovery {
		t.Fatalf("events wrong: %v", events)
	}
	if events[0].Metrics.Drawdown != 0.06 {
		t.Fatalf("metrics not round-tripped: %+v", events[0].Metrics)
	}
}

func TestEnvelopeLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	e := &model.NotificationEnvelope{
		SignalDedupKey:  "deadbeef",
		Priority:        model.PriorityHigh,
		Channels:        []string{"webhook-main", "telegram"},
		Payload:         []byte(`{"pair":"EURUSD"}`),
		FirstEnqueuedAt: now,
		NextAttemptAt:   now,
		State:           model.EnvelopePending,
	}
	if err := st.SaveEnvelope(ctx, e); err != nil {
		t.Fatalf("SaveEnvelope insert: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("envelope ID not set")
	}

	pending, err := st.PendingEnvelopes(ctx)
	if err != nil {
		t.Fatalf("PendingEnvelopes: %v", err)
	}
	if len(pending) != 1 || pending[0].Channels[1] != "telegram" {
		t.Fatalf("pending = %v", pending)
	}

	// A crash mid-delivery leaves IN_FLIGHT; restart recovery must see it.
	e.State = model.EnvelopeInFlight
	e.Attempts = 1
	if err := st.SaveEnvelope(ctx, e); err != nil {
		t.Fatalf("SaveEnvelope update: %v", err)
	}
	pending, _ = st.PendingEnvelopes(ctx)
	if len(pending) != 1 || pending[0].State != model.EnvelopeInFlight || pending[0].Attempts != 1 {
		t.Fatalf("in-flight envelope lost: %v", pending)
	}

	e.State = model.EnvelopeDelivered
	if err := st.SaveEnvelope(ctx, e); err != nil {
		t.Fatalf("SaveEnvelope delivered: %v", err)
	}
	pending, _ = st.PendingEnvelopes(ctx)
	if len(pending) != 0 {
		t.Fatalf("delivered envelope still pending: %v", pending)
	}
}

func TestWriteErrors_MapToUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := NewWithDB(db, logger.Nop())
	ctx := context.Background()

	driverErr := errors.New("disk I/O error")
	mock.ExpectExec("INSERT").WillReturnError(driverErr)
	_, err = st.RecordSignal(ctx, sampleSignal(time.Now().UTC()))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("RecordSignal error = %v, want ErrUnavailable", err)
	}

	mock.ExpectExec("INSERT").WillReturnError(driverErr)
	if err := st.SavePortfolioState(ctx, &model.PortfolioState{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SavePortfolioState error = %v, want ErrUnavailable", err)
	}

	mock.ExpectQuery("SELECT").WillReturnError(driverErr)
	if _, err := st.LoadPortfolioState(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("LoadPortfolioState error = %v, want ErrUnavailable", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
