// Package config loads the service configuration from a YAML file merged
// with FXSIGNAL_* environment variables. Secrets (broker token, redis
// password, operator TOTP secret) are environment-only.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fxsignal/internal/model"
)

// SessionWindow is an allowed trading window in UTC, e.g. {"07:00","16:00"}.
// Windows may wrap midnight (start > end).
type SessionWindow struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// StrategyConfig holds the per-(pair,timeframe) signal parameters.
type StrategyConfig struct {
	FastMAWindow    int             `mapstructure:"fast_ma_window"`
	SlowMAWindow    int             `mapstructure:"slow_ma_window"`
	ATRWindow       int             `mapstructure:"atr_window"`
	SLATRMultiplier float64         `mapstructure:"sl_atr_multiplier"`
	TPATRMultiplier float64         `mapstructure:"tp_atr_multiplier"`
	MinRR           float64         `mapstructure:"min_rr"`
	MinConfidence   float64         `mapstructure:"min_confidence"`
	MinConfluence   float64         `mapstructure:"min_confluence"`
	SessionWindows  []SessionWindow `mapstructure:"session_windows"` // empty = all sessions
	RegimeWhitelist []string        `mapstructure:"regime_whitelist"` // empty = any regime
	// Static support/resistance levels per pair for the confluence check.
	Levels []float64 `mapstructure:"levels"`
}

// BrokerConfig configures the upstream candle API.
type BrokerConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`   // env FXSIGNAL_BROKER_TOKEN
	Account    string        `mapstructure:"account"` // env FXSIGNAL_BROKER_ACCOUNT
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxGapBars int           `mapstructure:"max_gap_bars"` // integrity tolerance
}

// RiskConfig holds the portfolio risk globals.
type RiskConfig struct {
	T1 float64 `mapstructure:"t1"` // drawdown thresholds
	T2 float64 `mapstructure:"t2"`
	T3 float64 `mapstructure:"t3"`
	T4 float64 `mapstructure:"t4"`
	Z1 float64 `mapstructure:"z1"` // vol z-score thresholds
	Z2 float64 `mapstructure:"z2"`
	V2 float64 `mapstructure:"v2"` // VaR thresholds
	V3 float64 `mapstructure:"v3"`

	DeltaHysteresis  float64       `mapstructure:"delta_hysteresis"`
	CoolDownWindow   time.Duration `mapstructure:"cool_down_window"`
	BaseRiskPerTrade float64       `mapstructure:"base_risk_per_trade"`
	MaxOpenPositions int           `mapstructure:"max_open_positions"`
	MaxPairCorr      float64       `mapstructure:"max_pair_correlation"`

	VolShortWindow int `mapstructure:"vol_short_window"`
	VolLongWindow  int `mapstructure:"vol_long_window"`
	VaRWindow      int `mapstructure:"var_window"`
	CorrWindow     int `mapstructure:"corr_window"`

	InitialEquity float64 `mapstructure:"initial_equity"`
	// Sustained storage failure beyond this window halts the pipeline.
	StorageFailureWindow time.Duration `mapstructure:"storage_failure_window"`
}

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	Name            string `mapstructure:"name"`
	Type            string `mapstructure:"type"` // webhook | telegram | log
	URL             string `mapstructure:"url"`
	BotToken        string `mapstructure:"bot_token"`
	ChatID          string `mapstructure:"chat_id"`
	TokensPerMinute int    `mapstructure:"tokens_per_minute"`
	Burst           int    `mapstructure:"burst"`
	MinPriority     string `mapstructure:"min_priority"`
}

// DispatchConfig configures the notification dispatcher.
type DispatchConfig struct {
	Workers          int             `mapstructure:"workers"`
	QueueSize        int             `mapstructure:"queue_size"`
	MaxAttempts      int             `mapstructure:"max_attempts"`
	BackoffBase      time.Duration   `mapstructure:"backoff_base"`
	BackoffCap       time.Duration   `mapstructure:"backoff_cap"`
	StalenessBound   time.Duration   `mapstructure:"staleness_bound"`
	AttemptTimeout   time.Duration   `mapstructure:"attempt_timeout"`
	FailureThreshold int             `mapstructure:"failure_threshold"`
	BreakerCoolDown  time.Duration   `mapstructure:"breaker_cool_down"`
	Channels         []ChannelConfig `mapstructure:"channels"`
}

// GatewayConfig configures the websocket streaming endpoint.
type GatewayConfig struct {
	// Minimum confidence per tier; missing tiers default to 1.0 (nothing).
	TierMinConfidence map[string]float64 `mapstructure:"tier_min_confidence"`
	// Static credential→tier maps. Anonymous clients land in FREE.
	SessionTokens   map[string]string `mapstructure:"session_tokens"`
	WalletAddresses map[string]string `mapstructure:"wallet_addresses"`
}

// Config is the root configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Pairs      []string `mapstructure:"pairs"`
	Timeframes []string `mapstructure:"timeframes"`

	Broker   BrokerConfig   `mapstructure:"broker"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	// Per-pair overrides of the default strategy block.
	StrategyOverrides map[string]StrategyConfig `mapstructure:"strategy_overrides"`
	Risk              RiskConfig                `mapstructure:"risk"`
	Dispatch          DispatchConfig            `mapstructure:"dispatch"`
	Gateway           GatewayConfig             `mapstructure:"gateway"`

	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"` // env FXSIGNAL_REDIS_PASSWORD
	RedisDB       int    `mapstructure:"redis_db"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	OpsAddr     string `mapstructure:"ops_addr"`
	TOTPSecret  string `mapstructure:"totp_secret"` // env FXSIGNAL_TOTP_SECRET

	// Safety delay after a bar closes before the scheduler fetches it.
	TickDelay time.Duration `mapstructure:"tick_delay"`
}

// Load reads the config file at path (optional), applies env overrides, and
// validates. A validation failure is fatal to the caller (non-zero exit).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FXSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Secrets are env-only; bind them explicitly so AutomaticEnv picks them
	// up without file entries.
	v.BindEnv("broker.token")
	v.BindEnv("broker.account")
	v.BindEnv("redis_password")
	v.BindEnv("totp_secret")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("pairs", []string{"EUR_USD", "GBP_USD", "USD_JPY"})
	v.SetDefault("timeframes", []string{"H1", "H4"})

	v.SetDefault("broker.base_url", "https://api-fxpractice.oanda.com")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.max_gap_bars", 3)

	v.SetDefault("strategy.fast_ma_window", 10)
	v.SetDefault("strategy.slow_ma_window", 20)
	v.SetDefault("strategy.atr_window", 14)
	v.SetDefault("strategy.sl_atr_multiplier", 1.5)
	v.SetDefault("strategy.tp_atr_multiplier", 3.0)
	v.SetDefault("strategy.min_rr", 1.5)
	v.SetDefault("strategy.min_confidence", 0.0)
	v.SetDefault("strategy.min_confluence", 0.0)

	v.SetDefault("risk.t1", 0.05)
	v.SetDefault("risk.t2", 0.10)
	v.SetDefault("risk.t3", 0.15)
	v.SetDefault("risk.t4", 0.25)
	v.SetDefault("risk.z1", 2.0)
	v.SetDefault("risk.z2", 3.0)
	v.SetDefault("risk.v2", 0.05)
	v.SetDefault("risk.v3", 0.08)
	v.SetDefault("risk.delta_hysteresis", 0.01)
	v.SetDefault("risk.cool_down_window", "4h")
	v.SetDefault("risk.base_risk_per_trade", 0.01)
	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.max_pair_correlation", 0.85)
	v.SetDefault("risk.vol_short_window", 20)
	v.SetDefault("risk.vol_long_window", 100)
	v.SetDefault("risk.var_window", 250)
	v.SetDefault("risk.corr_window", 50)
	v.SetDefault("risk.initial_equity", 100000)
	v.SetDefault("risk.storage_failure_window", "10m")

	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.backoff_base", "1s")
	v.SetDefault("dispatch.backoff_cap", "2m")
	v.SetDefault("dispatch.staleness_bound", "1h")
	v.SetDefault("dispatch.attempt_timeout", "10s")
	v.SetDefault("dispatch.failure_threshold", 3)
	v.SetDefault("dispatch.breaker_cool_down", "60s")

	v.SetDefault("gateway.tier_min_confidence", map[string]float64{
		"FREE": 0.9, "PREMIUM": 0.6, "HOLDER": 0.5, "WHALE": 0.0,
	})

	v.SetDefault("sqlite_path", "data/fxsignal.db")
	v.SetDefault("redis_addr", "")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("ops_addr", ":8080")
	v.SetDefault("tick_delay", "5s")
}

// StrategyFor returns the strategy config for a pair, applying overrides on
// top of the defaults. Zero-valued override fields keep the default.
func (c *Config) StrategyFor(pair string) StrategyConfig {
	s := c.Strategy
	o, ok := c.StrategyOverrides[pair]
	if !ok {
		return s
	}
	if o.FastMAWindow > 0 {
		s.FastMAWindow = o.FastMAWindow
	}
	if o.SlowMAWindow > 0 {
		s.SlowMAWindow = o.SlowMAWindow
	}
	if o.ATRWindow > 0 {
		s.ATRWindow = o.ATRWindow
	}
	if o.SLATRMultiplier > 0 {
		s.SLATRMultiplier = o.SLATRMultiplier
	}
	if o.TPATRMultiplier > 0 {
		s.TPATRMultiplier = o.TPATRMultiplier
	}
	if o.MinRR > 0 {
		s.MinRR = o.MinRR
	}
	if o.MinConfidence > 0 {
		s.MinConfidence = o.MinConfidence
	}
	if o.MinConfluence > 0 {
		s.MinConfluence = o.MinConfluence
	}
	if len(o.SessionWindows) > 0 {
		s.SessionWindows = o.SessionWindows
	}
	if len(o.RegimeWhitelist) > 0 {
		s.RegimeWhitelist = o.RegimeWhitelist
	}
	if len(o.Levels) > 0 {
		s.Levels = o.Levels
	}
	return s
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("config: no pairs configured")
	}
	for _, tf := range c.Timeframes {
		if _, err := model.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("config: no timeframes configured")
	}
	check := func(pair string, s StrategyConfig) error {
		if s.FastMAWindow <= 0 || s.SlowMAWindow <= 0 || s.ATRWindow <= 0 {
			return fmt.Errorf("config: %s: indicator windows must be positive", pair)
		}
		if s.FastMAWindow >= s.SlowMAWindow {
			return fmt.Errorf("config: %s: fast_ma_window %d must be < slow_ma_window %d",
				pair, s.FastMAWindow, s.SlowMAWindow)
		}
		if s.SLATRMultiplier <= 0 || s.TPATRMultiplier <= 0 {
			return fmt.Errorf("config: %s: ATR multipliers must be positive", pair)
		}
		if s.MinRR <= 0 {
			return fmt.Errorf("config: %s: min_rr must be positive", pair)
		}
		for _, w := range s.SessionWindows {
			if _, err := time.Parse("15:04", w.Start); err != nil {
				return fmt.Errorf("config: %s: bad session start %q", pair, w.Start)
			}
			if _, err := time.Parse("15:04", w.End); err != nil {
				return fmt.Errorf("config: %s: bad session end %q", pair, w.End)
			}
		}
		return nil
	}
	if err := check("defaults", c.Strategy); err != nil {
		return err
	}
	for _, pair := range c.Pairs {
		if err := check(pair, c.StrategyFor(pair)); err != nil {
			return err
		}
	}
	r := c.Risk
	if !(r.T1 < r.T2 && r.T2 < r.T3 && r.T3 < r.T4) {
		return fmt.Errorf("config: risk drawdown thresholds must satisfy t1<t2<t3<t4")
	}
	if r.DeltaHysteresis <= 0 {
		return fmt.Errorf("config: risk delta_hysteresis must be positive")
	}
	if r.BaseRiskPerTrade <= 0 || r.BaseRiskPerTrade > 1 {
		return fmt.Errorf("config: base_risk_per_trade must be in (0,1]")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("config: dispatch workers must be positive")
	}
	if len(c.Dispatch.Channels) == 0 {
		return fmt.Errorf("config: no notification channels configured")
	}
	seen := map[string]bool{}
	for _, ch := range c.Dispatch.Channels {
		if ch.Name == "" {
			return fmt.Errorf("config: channel with empty name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("config: duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		switch ch.Type {
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("config: webhook channel %q missing url", ch.Name)
			}
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				return fmt.Errorf("config: telegram channel %q missing bot_token/chat_id", ch.Name)
			}
		case "log":
		default:
			return fmt.Errorf("config: channel %q has unknown type %q", ch.Name, ch.Type)
		}
	}
	return nil
}
