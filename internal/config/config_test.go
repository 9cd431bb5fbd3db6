package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
pairs: [EUR_USD]
timeframes: [H1]
dispatch:
  channels:
    - name: log
      type: log
      tokens_per_minute: 60
      burst: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fxsignal.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
strategy:
  fast_ma_window: 5
tick_delay: 7s
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy.FastMAWindow != 5 {
		t.Errorf("fast_ma_window = %d, want file value 5", cfg.Strategy.FastMAWindow)
	}
	if cfg.Strategy.SlowMAWindow != 20 {
		t.Errorf("slow_ma_window = %d, want default 20", cfg.Strategy.SlowMAWindow)
	}
	if cfg.TickDelay != 7*time.Second {
		t.Errorf("tick_delay = %v, want 7s", cfg.TickDelay)
	}
	if cfg.Risk.T4 != 0.25 {
		t.Errorf("risk.t4 = %v, want default 0.25", cfg.Risk.T4)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "fast window not below slow",
			yaml:    minimalYAML + "strategy:\n  fast_ma_window: 20\n",
			wantErr: "fast_ma_window",
		},
		{
			name:    "unknown timeframe",
			yaml:    strings.Replace(minimalYAML, "[H1]", "[H7]", 1),
			wantErr: "timeframe",
		},
		{
			name:    "no pairs",
			yaml:    strings.Replace(minimalYAML, "pairs: [EUR_USD]", "pairs: []", 1),
			wantErr: "no pairs",
		},
		{
			name:    "webhook channel without url",
			yaml:    strings.Replace(minimalYAML, "type: log", "type: webhook", 1),
			wantErr: "missing url",
		},
		{
			name:    "drawdown thresholds out of order",
			yaml:    minimalYAML + "risk:\n  t2: 0.5\n  t3: 0.3\n",
			wantErr: "t1<t2<t3<t4",
		},
		{
			name:    "bad session window",
			yaml:    minimalYAML + "strategy:\n  session_windows:\n    - start: \"25:00\"\n      end: \"17:00\"\n",
			wantErr: "session start",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("Load accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsEmptyChannels(t *testing.T) {
	_, err := Load(writeConfig(t, "pairs: [EUR_USD]\ntimeframes: [H1]\n"))
	if err == nil || !strings.Contains(err.Error(), "channels") {
		t.Fatalf("err = %v, want missing-channels error", err)
	}
}

func TestStrategyForAppliesOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
strategy_overrides:
  EUR_USD:
    fast_ma_window: 8
    min_rr: 2.0
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	s := cfg.StrategyFor("EUR_USD")
	if s.FastMAWindow != 8 {
		t.Errorf("override fast_ma_window = %d, want 8", s.FastMAWindow)
	}
	if s.MinRR != 2.0 {
		t.Errorf("override min_rr = %v, want 2.0", s.MinRR)
	}
	if s.SlowMAWindow != cfg.Strategy.SlowMAWindow {
		t.Errorf("slow_ma_window = %d, want inherited %d", s.SlowMAWindow, cfg.Strategy.SlowMAWindow)
	}

	if s := cfg.StrategyFor("GBP_USD"); s.FastMAWindow != cfg.Strategy.FastMAWindow {
		t.Errorf("unoverridden pair got fast_ma_window %d", s.FastMAWindow)
	}
}
