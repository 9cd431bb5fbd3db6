package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fxsignal/internal/model"
)

// Subscriber feeds the streaming gateway from the pub/sub fan-out.
type Subscriber struct {
	client *goredis.Client
	log    *zap.Logger
}

// NewSubscriber connects and pings the server.
func NewSubscriber(cfg Config, log *zap.Logger) (*Subscriber, error) {
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

	log = log.Named("redis-sub")
	log.Info("connected", zap.String("addr", cfg.Addr))
	return &Subscriber{client: client, log: log}, nil
}

// SubscribeSignals subscribes to all signal channels and decodes payloads
// onto the returned channel. The channel is closed when ctx is cancelled.
func (s *Subscriber) SubscribeSignals(ctx context.Context) (<-chan model.SignalPayload, error) {
	pubsub := s.client.PSubscribe(ctx, "pub:signal:*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	out := make(chan model.SignalPayload, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload model.SignalPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					s.log.Warn("bad signal payload",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- payload:
				default:
					// Slow consumer: drop rather than stall the pump.
					s.log.Warn("signal fan-out backlog, dropping",
						zap.String("channel", msg.Channel))
				}
			}
		}
	}()
	return out, nil
}

// LatestSignal returns the last published signal for a stream, or nil when
// none is cached.
func (s *Subscriber) LatestSignal(ctx context.Context, pair string, tf model.Timeframe) (*model.SignalPayload, error) {
	data, err := s.client.Get(ctx, signalLatestKey(pair, tf)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get latest signal: %w", err)
	}
	var payload model.SignalPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("decode latest signal: %w", err)
	}
	return &payload, nil
}

// Close closes the client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
