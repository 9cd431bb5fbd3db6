// Package ops exposes the operator HTTP surface: health, status, signal
// history, and the halt/resume controls. Mutating endpoints require a
// TOTP code when a secret is configured.
package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"fxsignal/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamStatus is the per-(pair,timeframe) view reported by the scheduler,
// including a forming-bar indicator peek.
type StreamStatus struct {
	Pair        string          `json:"pair"`
	TF          model.Timeframe `json:"timeframe"`
	LastBarTime time.Time       `json:"last_bar_time"`
	Warm        bool            `json:"warm"`
	FastMA      float64         `json:"fast_ma"`
	SlowMA      float64         `json:"slow_ma"`
	ATR         float64         `json:"atr"`
	Regime      string          `json:"regime,omitempty"`
}

// StatusSource reports live pipeline state.
type StatusSource interface {
	Streams() []StreamStatus
}

// RiskAdmin is the slice of the risk controller the operator surface needs.
type RiskAdmin interface {
	Snapshot() *model.PortfolioState
	Halt(ctx context.Context) error
	Resume(ctx context.Context) error
}

// SignalReader reads stored signals and emergency history.
type SignalReader interface {
	RecentSignals(ctx context.Context, limit int) ([]*model.Signal, error)
	SignalsSince(ctx context.Context, since time.Time) ([]*model.Signal, error)
	RecentEmergencyEvents(ctx context.Context, limit int) ([]*model.EmergencyEvent, error)
}

// Server is the operator HTTP server.
type Server struct {
	addr       string
	totpSecret string
	risk       RiskAdmin
	signals    SignalReader
	streams    StatusSource
	health     http.Handler
	ws         http.HandlerFunc
	log        *zap.Logger
	srv        *http.Server
}

// NewServer wires the operator routes. health, streams, and ws may be nil.
func NewServer(addr, totpSecret string, risk RiskAdmin, signals SignalReader, streams StatusSource, health http.Handler, ws http.HandlerFunc, log *zap.Logger) *Server {
	s := &Server{
		addr:       addr,
		totpSecret: totpSecret,
		risk:       risk,
		signals:    signals,
		streams:    streams,
		health:     health,
		ws:         ws,
		log:        log.Named("ops"),
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/signals", s.handleSignals).Methods(http.MethodGet)
	r.HandleFunc("/api/risk/halt", s.requireTOTP(s.handleHalt)).Methods(http.MethodPost)
	r.HandleFunc("/api/risk/resume", s.requireTOTP(s.handleResume)).Methods(http.MethodPost)
	if s.ws != nil {
		r.HandleFunc("/ws", s.ws)
	}
	return r
}

// Start runs the server until Stop.
func (s *Server) Start() error {
	s.log.Info("ops server starting", zap.String("addr", s.addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.health.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.risk.Snapshot()

	var streams []StreamStatus
	if s.streams != nil {
		streams = s.streams.Streams()
	}
	events, err := s.signals.RecentEmergencyEvents(r.Context(), 10)
	if err != nil {
		s.log.Warn("status: emergency history read failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolio":     snap,
		"streams":       streams,
		"recent_events": events,
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		sigs, err := s.signals.SignalsSince(r.Context(), since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"signals": sigs})
		return
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sigs, err := s.signals.RecentSignals(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": sigs})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.Halt(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn("operator halt accepted", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted": true,
		"level":  s.risk.Snapshot().EmergencyLevel,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn("operator resume accepted", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted": false,
		"level":  s.risk.Snapshot().EmergencyLevel,
	})
}

// requireTOTP guards a mutating handler. With no secret configured the
// handler runs unguarded, which is the dev setup.
func (s *Server) requireTOTP(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.totpSecret == "" {
			next(w, r)
			return
		}
		code := r.Header.Get("X-TOTP-Code")
		if code == "" {
			code = r.URL.Query().Get("code")
		}
		if !totp.Validate(code, s.totpSecret) {
			s.log.Warn("totp rejected", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusForbidden, "invalid totp code")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
