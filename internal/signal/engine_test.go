package signal

import (
	"math"
	"testing"
	"time"

	"fxsignal/internal/config"
	"fxsignal/internal/logger"
	"fxsignal/internal/model"
)

func baseCfg() config.StrategyConfig {
	return config.StrategyConfig{
		FastMAWindow:    10,
		SlowMAWindow:    20,
		ATRWindow:       14,
		SLATRMultiplier: 1.5,
		TPATRMultiplier: 3.0,
		MinRR:           1.5,
	}
}

func newTestEngine(cfg config.StrategyConfig) *Engine {
	fixed := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	return NewEngine(
		func(string) config.StrategyConfig { return cfg },
		nil,
		func() time.Time { return fixed },
		logger.Nop(),
	)
}

// crossoverSnap models the bar on which the fast MA crosses above the slow.
func crossoverSnap(barOpen time.Time) *model.IndicatorSnapshot {
	return &model.IndicatorSnapshot{
		Pair:        "EUR_USD",
		TF:          model.H4,
		BarOpenTime: barOpen,
		Close:       1.1030,
		PrevFastMA:  1.0995,
		PrevSlowMA:  1.1000,
		FastMA:      1.1005,
		SlowMA:      1.1001,
		ATR:         0.0040,
		Warm:        true,
	}
}

func TestEngine_LongCrossover(t *testing.T) {
	e := newTestEngine(baseCfg())
	barOpen := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)

	cand := e.OnSnapshot(crossoverSnap(barOpen))
	if cand == nil {
		t.Fatal("expected a LONG candidate")
	}
	if cand.Direction != model.Long {
		t.Fatalf("direction = %s, want LONG", cand.Direction)
	}
	if cand.SignalPrice != 1.1030 {
		t.Errorf("signal price = %v, want close of crossover bar 1.1030", cand.SignalPrice)
	}
	if math.Abs(cand.StopLoss-1.0970) > 1e-9 {
		t.Errorf("SL = %v, want 1.0970", cand.StopLoss)
	}
	if math.Abs(cand.TakeProfit-1.1150) > 1e-9 {
		t.Errorf("TP = %v, want 1.1150", cand.TakeProfit)
	}
	if rr := cand.RiskReward(); math.Abs(rr-2.0) > 1e-9 {
		t.Errorf("R:R = %v, want 2.0", rr)
	}
	if cand.Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", cand.Confidence)
	}
	if cand.DedupKey != DedupKey("EUR_USD", model.H4, model.Long, barOpen) {
		t.Error("dedup key not reproducible from candidate identity")
	}
}

func TestEngine_ShortCrossover(t *testing.T) {
	e := newTestEngine(baseCfg())
	snap := crossoverSnap(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	snap.PrevFastMA, snap.PrevSlowMA = 1.1005, 1.1000
	snap.FastMA, snap.SlowMA = 1.0995, 1.1001

	cand := e.OnSnapshot(snap)
	if cand == nil || cand.Direction != model.Short {
		t.Fatalf("expected SHORT candidate, got %+v", cand)
	}
	if cand.StopLoss <= cand.SignalPrice || cand.TakeProfit >= cand.SignalPrice {
		t.Errorf("SHORT stop/target on wrong side: entry=%v sl=%v tp=%v",
			cand.SignalPrice, cand.StopLoss, cand.TakeProfit)
	}
}

func TestEngine_NoCrossoverNoCandidate(t *testing.T) {
	e := newTestEngine(baseCfg())
	snap := crossoverSnap(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	snap.PrevFastMA, snap.PrevSlowMA = 1.1005, 1.1000 // fast already above
	snap.FastMA, snap.SlowMA = 1.1010, 1.1001

	if cand := e.OnSnapshot(snap); cand != nil {
		t.Fatalf("no crossover on this bar, got candidate %+v", cand)
	}
}

func TestEngine_ColdSnapshotIgnored(t *testing.T) {
	e := newTestEngine(baseCfg())
	snap := crossoverSnap(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	snap.Warm = false
	if cand := e.OnSnapshot(snap); cand != nil {
		t.Fatal("warming-up snapshot produced a candidate")
	}
}

func TestEngine_SessionVeto(t *testing.T) {
	cfg := baseCfg()
	// Tokyo session only (00:00–09:00 UTC).
	cfg.SessionWindows = []config.SessionWindow{{Start: "00:00", End: "09:00"}}
	e := newTestEngine(cfg)

	// Crossover bar opens in the London session.
	london := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	if cand := e.OnSnapshot(crossoverSnap(london)); cand != nil {
		t.Fatalf("expected session veto, got %+v", cand)
	}

	tokyo := time.Date(2025, 6, 3, 4, 0, 0, 0, time.UTC)
	if cand := e.OnSnapshot(crossoverSnap(tokyo)); cand == nil {
		t.Fatal("in-session crossover should produce a candidate")
	}
}

func TestEngine_MinRRDrop(t *testing.T) {
	cfg := baseCfg()
	cfg.TPATRMultiplier = 1.5 // rr = 1.0 < min 1.5
	e := newTestEngine(cfg)
	if cand := e.OnSnapshot(crossoverSnap(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))); cand != nil {
		t.Fatalf("expected min R:R drop, got %+v", cand)
	}
}

func TestEngine_RegimeWhitelistDrop(t *testing.T) {
	cfg := baseCfg()
	cfg.RegimeWhitelist = []string{"HIGH_VOL"} // crossoverSnap bars range/trend
	e := newTestEngine(cfg)
	if cand := e.OnSnapshot(crossoverSnap(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))); cand != nil {
		t.Fatalf("expected regime veto, got %+v", cand)
	}
}

func TestEngine_ConfluenceFloorDrop(t *testing.T) {
	cfg := baseCfg()
	cfg.MinConfluence = 0.9 // neutral score is 0.5 with no higher TF, no levels
	e := newTestEngine(cfg)
	if cand := e.OnSnapshot(crossoverSnap(time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))); cand != nil {
		t.Fatalf("expected confluence veto, got %+v", cand)
	}
}

func TestDedupKey_Deterministic(t *testing.T) {
	barOpen := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	a := DedupKey("EUR_USD", model.H4, model.Long, barOpen)
	b := DedupKey("EUR_USD", model.H4, model.Long, barOpen)
	if a != b {
		t.Fatal("dedup key not deterministic")
	}
	if a == DedupKey("EUR_USD", model.H4, model.Short, barOpen) {
		t.Error("dedup key ignores direction")
	}
	if a == DedupKey("EUR_USD", model.H1, model.Long, barOpen) {
		t.Error("dedup key ignores timeframe")
	}
	if a == DedupKey("EUR_USD", model.H4, model.Long, barOpen.Add(4*time.Hour)) {
		t.Error("dedup key ignores bar open time")
	}
}

func TestClassifyRegime(t *testing.T) {
	cases := []struct {
		name string
		snap model.IndicatorSnapshot
		want model.Regime
	}{
		{"high vol", model.IndicatorSnapshot{ATRZ: 2.0, ATR: 0.004}, model.RegimeHighVol},
		{"low vol", model.IndicatorSnapshot{ATRZ: -2.0, ATR: 0.004}, model.RegimeLowVol},
		{"trending", model.IndicatorSnapshot{FastMA: 1.105, SlowMA: 1.100, ATR: 0.004}, model.RegimeTrending},
		{"ranging", model.IndicatorSnapshot{FastMA: 1.1005, SlowMA: 1.1000, ATR: 0.004}, model.RegimeRanging},
	}
	for _, tc := range cases {
		if got := ClassifyRegime(&tc.snap); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSession_WrapsMidnight(t *testing.T) {
	s := NewSession([]config.SessionWindow{{Start: "22:00", End: "06:00"}})
	in := time.Date(2025, 6, 3, 23, 30, 0, 0, time.UTC)
	if !s.Contains(in) {
		t.Error("23:30 should be inside 22:00–06:00")
	}
	in2 := time.Date(2025, 6, 3, 3, 0, 0, 0, time.UTC)
	if !s.Contains(in2) {
		t.Error("03:00 should be inside 22:00–06:00")
	}
	out := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	if s.Contains(out) {
		t.Error("12:00 should be outside 22:00–06:00")
	}
}
