// Package redis is the optional fan-out tier. Accepted signals, portfolio
// snapshots, and emergency transitions are published over pub/sub for the
// streaming gateway, with latest-value keys for late joiners. SQLite remains
// the source of truth; a Redis outage degrades streaming and nothing else.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fxsignal/internal/breaker"
	"fxsignal/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultLatestTTL = 30 * time.Minute
	maxBuffered      = 1000

	portfolioChannel = "pub:portfolio"
	emergencyChannel = "pub:emergency"
	portfolioLatest  = "portfolio:latest"
)

// SignalChannel returns the pub/sub channel for one stream.
func SignalChannel(pair string, tf model.Timeframe) string {
	return "pub:signal:" + pair + ":" + string(tf)
}

func signalLatestKey(pair string, tf model.Timeframe) string {
	return "signal:latest:" + pair + ":" + string(tf)
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// outbound is a publish buffered while the breaker is open.
type outbound struct {
	channel   string
	latestKey string // empty = publish only
	data      string
}

// Publisher pushes payloads to Redis through a circuit breaker. While the
// breaker is open, publishes are buffered locally (capped, oldest dropped)
// and replayed when the connection recovers.
type Publisher struct {
	client *goredis.Client
	cb     *breaker.Breaker
	log    *zap.Logger

	mu     sync.Mutex
	buffer []outbound
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// NewPublisher connects and pings the server.
func NewPublisher(cfg Config, log *zap.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log = log.Named("redis")
	p := &Publisher{
		client: client,
		cb:     breaker.New(5, 10*time.Second, nil),
		log:    log,
	}
	p.cb.OnStateChange = func(from, to breaker.State) {
		log.Warn("publisher breaker transition",
			zap.Stringer("from", from), zap.Stringer("to", to))
		if to == breaker.StateClosed {
			go p.flush()
		}
	}
	log.Info("connected", zap.String("addr", cfg.Addr))
	return p, nil
}

// PublishSignal fans out an accepted signal: SET latest with TTL + PUBLISH.
func (p *Publisher) PublishSignal(ctx context.Context, payload model.SignalPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("marshal signal payload", zap.Error(err))
		return
	}
	p.publish(ctx, outbound{
		channel:   SignalChannel(payload.Pair, payload.TF),
		latestKey: signalLatestKey(payload.Pair, payload.TF),
		data:      string(data),
	})
}

// PublishPortfolio fans out a portfolio snapshot.
func (p *Publisher) PublishPortfolio(ctx context.Context, st *model.PortfolioState) {
	data, err := json.Marshal(st)
	if err != nil {
		p.log.Error("marshal portfolio state", zap.Error(err))
		return
	}
	p.publish(ctx, outbound{
		channel:   portfolioChannel,
		latestKey: portfolioLatest,
		data:      string(data),
	})
}

// PublishEmergency fans out an emergency transition. Publish only, no
// latest key; the event log lives in SQLite.
func (p *Publisher) PublishEmergency(ctx context.Context, ev *model.EmergencyEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal emergency event", zap.Error(err))
		return
	}
	p.publish(ctx, outbound{channel: emergencyChannel, data: string(data)})
}

func (p *Publisher) publish(ctx context.Context, out outbound) {
	err := p.cb.Execute(func() error {
		pipe := p.client.Pipeline()
		if out.latestKey != "" {
			pipe.Set(ctx, out.latestKey, out.data, defaultLatestTTL)
		}
		pipe.Publish(ctx, out.channel, out.data)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err == nil {
		return
	}
	if err == breaker.ErrOpen {
		p.bufferOutbound(out)
		return
	}
	p.log.Warn("publish failed", zap.String("channel", out.channel), zap.Error(err))
}

func (p *Publisher) bufferOutbound(out outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= maxBuffered {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, out)
}

// flush replays buffered publishes after the breaker closes.
func (p *Publisher) flush() {
	p.mu.Lock()
	toFlush := p.buffer
	p.buffer = nil
	p.mu.Unlock()
	if len(toFlush) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, out := range toFlush {
		pipe := p.client.Pipeline()
		if out.latestKey != "" {
			pipe.Set(ctx, out.latestKey, out.data, defaultLatestTTL)
		}
		pipe.Publish(ctx, out.channel, out.data)
		if _, err := pipe.Exec(ctx); err != nil {
			p.log.Warn("flush publish failed", zap.String("channel", out.channel), zap.Error(err))
		}
	}
	p.log.Info("flushed buffered publishes", zap.Int("count", len(toFlush)))
}

// PendingCount returns the number of buffered publishes.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Healthy pings the server.
func (p *Publisher) Healthy(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
