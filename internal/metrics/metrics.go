// Package metrics exposes Prometheus metrics and the /healthz probe.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metrics holds all Prometheus metrics for the signal service.
type Metrics struct {
	CandlesIngested *prometheus.CounterVec // labels: pair, tf
	GapsDetected    prometheus.Counter
	BrokerFetchDur  prometheus.Histogram
	BrokerRetries   prometheus.Counter

	SignalsGenerated *prometheus.CounterVec // labels: pair, direction
	SignalsStored    prometheus.Counter
	SignalsDuplicate prometheus.Counter
	SignalsVetoed    *prometheus.CounterVec // labels: reason
	FiltersDropped   *prometheus.CounterVec // labels: filter

	EmergencyLevel prometheus.Gauge
	Drawdown       prometheus.Gauge
	VolZScore      prometheus.Gauge
	VaR95          prometheus.Gauge

	QueueDepth             prometheus.Gauge
	NotificationsDelivered *prometheus.CounterVec // labels: channel
	NotificationsFailed    *prometheus.CounterVec // labels: channel
	EnvelopesDead          prometheus.Counter
	EnvelopesEvicted       prometheus.Counter
	ChannelBreakerState    *prometheus.GaugeVec // labels: channel; 0=closed 1=open 2=half-open

	WSClients    *prometheus.GaugeVec // labels: tier
	WSPushDrops  prometheus.Counter
	TickDuration prometheus.Histogram

	StorageFailures prometheus.Counter
}

// New registers and returns all metrics. A nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_candles_ingested_total",
			Help: "Closed candles accepted into the indicator cache",
		}, []string{"pair", "tf"}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_gaps_detected_total",
			Help: "Candle sequence gaps that forced a stream re-warm",
		}),
		BrokerFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxsignal_broker_fetch_duration_seconds",
			Help:    "Broker candle fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		BrokerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_broker_retries_total",
			Help: "Broker fetch retry attempts",
		}),

		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_signals_generated_total",
			Help: "Crossover candidates that survived the filter chain",
		}, []string{"pair", "direction"}),
		SignalsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_signals_stored_total",
			Help: "Signals persisted with a fresh dedup key",
		}),
		SignalsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_signals_duplicate_total",
			Help: "Signal inserts suppressed by the dedup key",
		}),
		SignalsVetoed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_signals_vetoed_total",
			Help: "Candidates vetoed by the risk controller",
		}, []string{"reason"}),
		FiltersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_filters_dropped_total",
			Help: "Candidates dropped in the filter chain",
		}, []string{"filter"}),

		EmergencyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxsignal_emergency_level",
			Help: "Current emergency de-risking level (0..4)",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxsignal_drawdown",
			Help: "Portfolio drawdown from the high-water mark",
		}),
		VolZScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxsignal_vol_zscore",
			Help: "Short-window realized volatility z-score",
		}),
		VaR95: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxsignal_var_95",
			Help: "95% historical-simulation value at risk",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxsignal_dispatch_queue_depth",
			Help: "Envelopes waiting in the dispatch queue",
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_notifications_delivered_total",
			Help: "Successful channel deliveries",
		}, []string{"channel"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxsignal_notifications_failed_total",
			Help: "Failed channel delivery attempts",
		}, []string{"channel"}),
		EnvelopesDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_envelopes_dead_total",
			Help: "Envelopes abandoned after retries or staleness",
		}),
		EnvelopesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_envelopes_evicted_total",
			Help: "Envelopes displaced from a full dispatch queue",
		}),
		ChannelBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxsignal_channel_breaker_state",
			Help: "Channel circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"channel"}),

		WSClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxsignal_ws_clients",
			Help: "Connected websocket clients by tier",
		}, []string{"tier"}),
		WSPushDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_ws_push_drops_total",
			Help: "Signal pushes dropped on slow websocket clients",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxsignal_tick_duration_seconds",
			Help:    "Full pipeline latency per bar close",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		StorageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxsignal_storage_failures_total",
			Help: "SQLite operations that failed",
		}),
	}

	reg.MustRegister(
		m.CandlesIngested,
		m.GapsDetected,
		m.BrokerFetchDur,
		m.BrokerRetries,
		m.SignalsGenerated,
		m.SignalsStored,
		m.SignalsDuplicate,
		m.SignalsVetoed,
		m.FiltersDropped,
		m.EmergencyLevel,
		m.Drawdown,
		m.VolZScore,
		m.VaR95,
		m.QueueDepth,
		m.NotificationsDelivered,
		m.NotificationsFailed,
		m.EnvelopesDead,
		m.EnvelopesEvicted,
		m.ChannelBreakerState,
		m.WSClients,
		m.WSPushDrops,
		m.TickDuration,
		m.StorageFailures,
	)
	return m
}

// HealthStatus tracks dependency health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerOK       bool      `json:"broker_ok"`
	LastBarTime    time.Time `json:"last_bar_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	EmergencyLevel int       `json:"emergency_level"`
	Halted         bool      `json:"halted"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		SQLiteOK:  true,
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetBrokerOK(v bool) {
	h.mu.Lock()
	h.BrokerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEmergency(level int, halted bool) {
	h.mu.Lock()
	h.EmergencyLevel = level
	h.Halted = halted
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.BrokerOK || h.Halted {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		BrokerOK        bool    `json:"broker_ok"`
		LastBarTime     string  `json:"last_bar_time"`
		BarAge          string  `json:"bar_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		EmergencyLevel  int     `json:"emergency_level"`
		Halted          bool    `json:"halted"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerOK:        h.BrokerOK,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		EmergencyLevel:  h.EmergencyLevel,
		Halted:          h.Halted,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.Named("metrics"),
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
