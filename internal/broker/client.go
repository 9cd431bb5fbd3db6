// Package broker fetches closed candles from the upstream FX REST API
// (OANDA-style v3 instrument candles endpoint) and normalizes them into
// model.Candle values. It retries transport errors with bounded backoff and
// surfaces data-integrity problems without retry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fxsignal/internal/metrics"
	"fxsignal/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sentinel errors per the gateway contract.
var (
	ErrUpstreamTimeout  = errors.New("broker: upstream timeout")
	ErrUpstreamRejected = errors.New("broker: upstream rejected request")
)

// IntegrityError reports a gap or ordering violation in the returned series.
// It is surfaced to the scheduler without retry.
type IntegrityError struct {
	Pair   string
	TF     model.Timeframe
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("broker: data integrity %s %s: %s", e.Pair, e.TF, e.Reason)
}

const (
	maxAttempts = 3
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Config configures the client.
type Config struct {
	BaseURL    string
	Token      string
	Account    string
	Timeout    time.Duration
	MaxGapBars int // allowed missing bars between consecutive candles
}

// Client is the market data gateway. It holds no candle state; the indicator
// cache's persisted last_close_open_time bounds fetch size.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
	m    *metrics.Metrics
}

// SetMetrics attaches fetch instrumentation. Call before use.
func (c *Client) SetMetrics(m *metrics.Metrics) { c.m = m }

// New creates a broker client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxGapBars <= 0 {
		cfg.MaxGapBars = 3
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.Named("broker"),
	}
}

// candleResponse mirrors the upstream JSON shape.
type candleResponse struct {
	Instrument  string `json:"instrument"`
	Granularity string `json:"granularity"`
	Candles     []struct {
		Complete bool    `json:"complete"`
		Volume   float64 `json:"volume"`
		Time     string  `json:"time"` // RFC3339 UTC
		Mid      struct {
			O string `json:"o"`
			H string `json:"h"`
			L string `json:"l"`
			C string `json:"c"`
		} `json:"mid"`
	} `json:"candles"`
}

// FetchCandles returns closed candles with open_time strictly after since,
// ordered ascending.
func (c *Client) FetchCandles(ctx context.Context, pair string, tf model.Timeframe, since time.Time) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("granularity", string(tf))
	q.Set("price", "M")
	q.Set("from", since.UTC().Format(time.RFC3339))
	candles, err := c.fetch(ctx, pair, tf, q)
	if err != nil {
		return nil, err
	}
	out := candles[:0]
	for _, cd := range candles {
		if cd.OpenTime.After(since) {
			out = append(out, cd)
		}
	}
	return out, nil
}

// FetchHistory returns the last count closed candles for cold warm-up.
func (c *Client) FetchHistory(ctx context.Context, pair string, tf model.Timeframe, count int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("granularity", string(tf))
	q.Set("price", "M")
	// Request one extra: the newest bar is usually still forming and dropped.
	q.Set("count", strconv.Itoa(count+1))
	candles, err := c.fetch(ctx, pair, tf, q)
	if err != nil {
		return nil, err
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

func (c *Client) fetch(ctx context.Context, pair string, tf model.Timeframe, q url.Values) ([]model.Candle, error) {
	endpoint := fmt.Sprintf("%s/v3/instruments/%s/candles?%s", c.cfg.BaseURL, pair, q.Encode())

	var body []byte
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.m != nil {
				c.m.BrokerRetries.Inc()
			}
			wait := backoffBase << (attempt - 1)
			if wait > backoffCap {
				wait = backoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		body, err = c.get(ctx, endpoint)
		if err == nil {
			break
		}
		if errors.Is(err, ErrUpstreamRejected) {
			return nil, err // auth/quota, retry won't help
		}
		c.log.Warn("fetch attempt failed",
			zap.String("pair", pair), zap.String("tf", string(tf)),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		return nil, err
	}

	var resp candleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &IntegrityError{Pair: pair, TF: tf, Reason: fmt.Sprintf("bad response body: %v", err)}
	}
	return c.normalize(pair, tf, &resp)
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("broker: transport: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("broker: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// normalize converts, validates, and orders the upstream candles. Unclosed
// bars are dropped; ordering and gap violations surface as IntegrityError.
func (c *Client) normalize(pair string, tf model.Timeframe, resp *candleResponse) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(resp.Candles))
	for _, rc := range resp.Candles {
		if !rc.Complete {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rc.Time)
		if err != nil {
			return nil, &IntegrityError{Pair: pair, TF: tf, Reason: fmt.Sprintf("bad time %q", rc.Time)}
		}
		o, err1 := strconv.ParseFloat(rc.Mid.O, 64)
		h, err2 := strconv.ParseFloat(rc.Mid.H, 64)
		l, err3 := strconv.ParseFloat(rc.Mid.L, 64)
		cl, err4 := strconv.ParseFloat(rc.Mid.C, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, &IntegrityError{Pair: pair, TF: tf, Reason: "unparseable price"}
		}
		cd := model.Candle{
			Pair: pair, TF: tf, OpenTime: ts.UTC(),
			Open: o, High: h, Low: l, Close: cl,
			Volume: rc.Volume, Complete: true,
		}
		if err := cd.Validate(); err != nil {
			return nil, &IntegrityError{Pair: pair, TF: tf, Reason: err.Error()}
		}
		out = append(out, cd)
	}

	step := tf.Duration()
	for i := 1; i < len(out); i++ {
		d := out[i].OpenTime.Sub(out[i-1].OpenTime)
		if d <= 0 {
			return nil, &IntegrityError{Pair: pair, TF: tf, Reason: "non-monotonic series"}
		}
		// FX weekends leave legitimate holes; only flag gaps beyond tolerance
		// within a trading week.
		if d > step*time.Duration(c.cfg.MaxGapBars+1) && d < 40*time.Hour {
			return nil, &IntegrityError{
				Pair: pair, TF: tf,
				Reason: fmt.Sprintf("gap of %v between %s and %s", d,
					out[i-1].OpenTime.Format(time.RFC3339), out[i].OpenTime.Format(time.RFC3339)),
			}
		}
	}
	return out, nil
}
