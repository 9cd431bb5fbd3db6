package ops

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"fxsignal/internal/model"
)

type fakeRisk struct {
	state   *model.PortfolioState
	halts   int
	resumes int
}

func (f *fakeRisk) Snapshot() *model.PortfolioState { return f.state.Clone() }

func (f *fakeRisk) Halt(context.Context) error {
	f.halts++
	f.state.EmergencyLevel = 4
	f.state.ManualHalt = true
	return nil
}

func (f *fakeRisk) Resume(context.Context) error {
	f.resumes++
	f.state.EmergencyLevel = 0
	f.state.ManualHalt = false
	return nil
}

type fakeSignals struct {
	recent []*model.Signal
	since  time.Time
}

func (f *fakeSignals) RecentSignals(_ context.Context, limit int) ([]*model.Signal, error) {
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeSignals) SignalsSince(_ context.Context, since time.Time) ([]*model.Signal, error) {
	f.since = since
	return f.recent, nil
}

func (f *fakeSignals) RecentEmergencyEvents(context.Context, int) ([]*model.EmergencyEvent, error) {
	return nil, nil
}

type fakeStreams struct{ out []StreamStatus }

func (f *fakeStreams) Streams() []StreamStatus { return f.out }

func newTestServer(t *testing.T, secret string) (*Server, *fakeRisk, *fakeSignals) {
	t.Helper()
	risk := &fakeRisk{state: &model.PortfolioState{
		Equity:         100000,
		EmergencyLevel: 1,
		OpenPositions:  map[string]*model.Position{},
	}}
	signals := &fakeSignals{recent: []*model.Signal{
		{SignalCandidate: model.SignalCandidate{DedupKey: "EURUSD|H1|1756612800|LONG", Pair: "EURUSD", TF: model.H1, Direction: model.Long}},
		{SignalCandidate: model.SignalCandidate{DedupKey: "GBPUSD|H4|1756612800|SHORT", Pair: "GBPUSD", TF: model.H4, Direction: model.Short}},
	}}
	streams := &fakeStreams{out: []StreamStatus{
		{Pair: "EURUSD", TF: model.H1, Warm: true, FastMA: 1.09, SlowMA: 1.088, ATR: 0.0021},
	}}
	srv := NewServer("127.0.0.1:0", secret, risk, signals, streams, nil, nil, zap.NewNop())
	return srv, risk, signals
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want 200", rec.Code)
	}

	var body struct {
		Portfolio model.PortfolioState `json:"portfolio"`
		Streams   []StreamStatus       `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body is not valid JSON: %v", err)
	}
	if body.Portfolio.EmergencyLevel != 1 {
		t.Errorf("emergency level: got %d, want 1", body.Portfolio.EmergencyLevel)
	}
	if len(body.Streams) != 1 || body.Streams[0].Pair != "EURUSD" {
		t.Errorf("streams: got %+v", body.Streams)
	}
}

func TestSignalsEndpoint(t *testing.T) {
	srv, _, signals := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/signals?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want 200", rec.Code)
	}
	var body struct {
		Signals []*model.Signal `json:"signals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(body.Signals) != 1 {
		t.Errorf("limit=1: got %d signals", len(body.Signals))
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/signals?since=2026-08-30T00:00:00Z", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("since query: got %d, want 200", rec.Code)
	}
	want := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if !signals.since.Equal(want) {
		t.Errorf("since passed through: got %v, want %v", signals.since, want)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/signals?since=not-a-time", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: got %d, want 400", rec.Code)
	}
}

func TestHaltResumeWithoutSecret(t *testing.T) {
	srv, risk, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/risk/halt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("halt: got %d, want 200", rec.Code)
	}
	if risk.halts != 1 {
		t.Errorf("halt calls: got %d, want 1", risk.halts)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/risk/resume", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: got %d, want 200", rec.Code)
	}
	if risk.resumes != 1 {
		t.Errorf("resume calls: got %d, want 1", risk.resumes)
	}
}

func TestHaltRequiresValidTOTP(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	srv, risk, _ := newTestServer(t, secret)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/risk/halt", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing code: got %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/risk/halt", nil)
	req.Header.Set("X-TOTP-Code", "000000")
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad code: got %d, want 403", rec.Code)
	}
	if risk.halts != 0 {
		t.Fatalf("halt ran despite rejected code")
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/risk/halt", nil)
	req.Header.Set("X-TOTP-Code", code)
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid code: got %d, want 200", rec.Code)
	}
	if risk.halts != 1 {
		t.Errorf("halt calls: got %d, want 1", risk.halts)
	}
}

func TestMutatingEndpointsRejectGET(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/risk/halt", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET halt: got %d, want 405", rec.Code)
	}
}
