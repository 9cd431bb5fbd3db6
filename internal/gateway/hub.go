// Package gateway streams accepted signals to WebSocket subscribers.
// Clients resolve to a tier from the credential they present; each tier
// carries a configured minimum confidence and only signals at or above
// that floor are pushed. The hub consumes a payload feed, normally the
// Redis subscription, with an in-process channel as fallback.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fxsignal/internal/config"
	"fxsignal/internal/metrics"
	"fxsignal/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

type latestEntry struct {
	Data       []byte
	Confidence float64
	TS         time.Time
}

// Hub manages WebSocket clients and tier-gated signal fan-out.
type Hub struct {
	cfg config.GatewayConfig
	m   *metrics.Metrics
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry // key: pair|tf
	seq     int64
}

// NewHub creates a Hub. The metrics handle may be nil.
func NewHub(cfg config.GatewayConfig, m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		m:       m,
		log:     log.Named("gateway"),
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
	}
}

// Run consumes the payload feed until ctx is cancelled or the feed closes.
func (h *Hub) Run(ctx context.Context, feed <-chan model.SignalPayload) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-feed:
			if !ok {
				return
			}
			h.Broadcast(p)
		}
	}
}

// Broadcast fans a signal out to every client whose tier floor admits it.
func (h *Hub) Broadcast(p model.SignalPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.log.Warn("payload marshal failed", zap.Error(err))
		return
	}

	channel := fmt.Sprintf("signal:%s:%s", p.Pair, p.TF)
	now := time.Now().UTC()

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.latest[p.Pair+"|"+string(p.TF)] = latestEntry{Data: data, Confidence: p.Confidence, TS: now}
	h.mu.Unlock()

	buf := envelope(channel, data, now, seq)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if p.Confidence < client.minConfidence {
			continue
		}
		select {
		case client.send <- buf:
		default:
			if h.m != nil {
				h.m.WSPushDrops.Inc()
			}
		}
	}
}

// envelope hand-crafts the outer JSON to avoid a second marshal on the
// fan-out path.
func envelope(channel string, data []byte, ts time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

// HandleWS upgrades the connection, resolves the client's tier, and
// registers it with the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	tier := h.ResolveTier(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn.EnableWriteCompression(true)

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           h,
		tier:          tier,
		minConfidence: h.TierFloor(tier),
	}

	h.register(client)
	h.log.Info("ws client connected",
		zap.String("tier", string(tier)),
		zap.Int("clients", h.ClientCount()))

	go client.sendInitialState()
	go client.writePump()
	go client.readPump()
}

// ResolveTier maps the request's credential to a tier. Unknown or missing
// credentials land in FREE.
func (h *Hub) ResolveTier(r *http.Request) model.Tier {
	q := r.URL.Query()

	tok := q.Get("session_token")
	if tok == "" {
		tok = r.Header.Get("X-Session-Token")
	}
	if tok != "" {
		if tier, ok := h.cfg.SessionTokens[tok]; ok {
			return model.Tier(tier)
		}
		return model.TierFree
	}

	wallet := q.Get("wallet_address")
	if wallet == "" {
		wallet = r.Header.Get("X-Wallet-Address")
	}
	if wallet != "" {
		if tier, ok := h.cfg.WalletAddresses[wallet]; ok {
			return model.Tier(tier)
		}
	}
	return model.TierFree
}

// TierFloor returns the minimum confidence for a tier. Tiers absent from
// the config receive nothing below a perfect score.
func (h *Hub) TierFloor(tier model.Tier) float64 {
	if v, ok := h.cfg.TierMinConfidence[string(tier)]; ok {
		return v
	}
	return 1.0
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	if h.m != nil {
		h.m.WSClients.WithLabelValues(string(c.tier)).Inc()
	}
}

// RemoveClient unregisters a client and closes its send channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !present {
		return
	}
	close(c.send)
	if h.m != nil {
		h.m.WSClients.WithLabelValues(string(c.tier)).Dec()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
