package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fxsignal/internal/config"
	"fxsignal/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Channel delivers a signal payload to one external destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, p model.SignalPayload) error
}

// BuildChannel constructs a channel from config.
func BuildChannel(cfg config.ChannelConfig, log *zap.Logger) (Channel, error) {
	switch cfg.Type {
	case "webhook":
		return NewWebhookChannel(cfg.Name, cfg.URL), nil
	case "telegram":
		return NewTelegramChannel(cfg.Name, cfg.BotToken, cfg.ChatID), nil
	case "log":
		return NewLogChannel(cfg.Name, log), nil
	default:
		return nil, fmt.Errorf("dispatch: unknown channel type %q", cfg.Type)
	}
}

// WebhookChannel POSTs the payload as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, p model.SignalPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// TelegramChannel sends a formatted message via the Telegram Bot API.
type TelegramChannel struct {
	name     string
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(name, botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		name:     name,
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramChannel) Name() string { return t.name }

func (t *TelegramChannel) Send(ctx context.Context, p model.SignalPayload) error {
	arrow := "🟢"
	if p.Direction == model.Short {
		arrow = "🔴"
	}
	header := fmt.Sprintf("%s *%s %s %s*", arrow,
		escapeMarkdown(p.Pair), escapeMarkdown(string(p.TF)), escapeMarkdown(string(p.Direction)))
	details := fmt.Sprintf("Entry: %v\nSL: %v\nTP: %v\nConfidence: %.0f%%",
		p.SignalPrice, p.StopLoss, p.TakeProfit, p.Confidence*100)
	text := header + "\n\n" + escapeMarkdown(details)

	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = `_*[]()~` + "`" + `>#+-=|{}.!`
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}

// LogChannel writes signals to the structured log. Used in development and
// as a last-resort channel.
type LogChannel struct {
	name string
	log  *zap.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(name string, log *zap.Logger) *LogChannel {
	return &LogChannel{name: name, log: log.Named("notify")}
}

func (l *LogChannel) Name() string { return l.name }

func (l *LogChannel) Send(_ context.Context, p model.SignalPayload) error {
	l.log.Info("signal",
		zap.String("pair", p.Pair),
		zap.String("tf", string(p.TF)),
		zap.String("direction", string(p.Direction)),
		zap.Float64("entry", p.SignalPrice),
		zap.Float64("sl", p.StopLoss),
		zap.Float64("tp", p.TakeProfit),
		zap.Float64("confidence", p.Confidence))
	return nil
}
