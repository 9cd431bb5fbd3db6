package indicator

import (
	"math"
	"testing"
)

func TestRollingMA_WarmupAndValue(t *testing.T) {
	ma := NewRollingMA(5)
	for i := 1; i <= 4; i++ {
		ma.Update(float64(i))
		if ma.Ready() {
			t.Fatalf("ready after %d values, want 5", i)
		}
	}
	ma.Update(5)
	if !ma.Ready() {
		t.Fatal("expected ready after 5 values")
	}
	if got := ma.Value(); math.Abs(got-3.0) > 1e-12 {
		t.Errorf("MA = %v, want 3.0", got)
	}

	// Window slides: drop 1, add 6 → mean of 2..6 = 4
	ma.Update(6)
	if got := ma.Value(); math.Abs(got-4.0) > 1e-12 {
		t.Errorf("MA after slide = %v, want 4.0", got)
	}
}

func TestRollingMA_RecomputeBitForBit(t *testing.T) {
	// 100 bars at period 20 ends on a ring wrap, where the running sum has
	// just been resynced from the buffer in Recompute's iteration order.
	ma := NewRollingMA(20)
	price := 1.1000
	for i := 0; i < 100; i++ {
		price += float64(i%7)*0.0001 - 0.0003
		ma.Update(price)
	}
	if ma.Value() != ma.Recompute() {
		t.Fatalf("cached %v != recomputed %v", ma.Value(), ma.Recompute())
	}
}

func TestRollingMA_RunningSumTracksWindowMean(t *testing.T) {
	const period = 14
	ma := NewRollingMA(period)
	var window []float64
	price := 1.2500
	for i := 0; i < 1000; i++ {
		price += float64(i%13)*0.0002 - 0.0011
		ma.Update(price)
		window = append(window, price)
		if len(window) < period {
			continue
		}
		var sum float64
		for _, v := range window[len(window)-period:] {
			sum += v
		}
		if want := sum / period; math.Abs(ma.Value()-want) > 1e-9 {
			t.Fatalf("bar %d: MA %v, want %v", i, ma.Value(), want)
		}
	}
}

func TestRollingMA_SnapshotRestoreContinues(t *testing.T) {
	a := NewRollingMA(10)
	b := NewRollingMA(10)
	price := 1.0800
	for i := 0; i < 37; i++ { // mid-window, not a wrap boundary
		price += float64(i%5)*0.0001 - 0.0002
		a.Update(price)
		b.Update(price)
	}

	restored := restoreMA(a.snapshot())
	if restored.Value() != b.Value() {
		t.Fatalf("restored MA differs immediately: %v vs %v", restored.Value(), b.Value())
	}
	for i := 0; i < 25; i++ {
		p := 1.09 + float64(i)*0.0001
		restored.Update(p)
		b.Update(p)
	}
	if restored.Value() != b.Value() {
		t.Fatalf("restored MA diverged: %v vs %v", restored.Value(), b.Value())
	}
}

func TestRollingMA_Peek(t *testing.T) {
	ma := NewRollingMA(3)
	ma.Update(1)
	ma.Update(2)
	ma.Update(3)
	peek := ma.Peek(6) // window would become 2,3,6
	if math.Abs(peek-11.0/3.0) > 1e-12 {
		t.Errorf("peek = %v, want %v", peek, 11.0/3.0)
	}
	// Peek must not mutate.
	if got := ma.Value(); math.Abs(got-2.0) > 1e-12 {
		t.Errorf("value mutated by peek: %v", got)
	}
}

func TestATR_SeedIsMeanOfFirstWindow(t *testing.T) {
	atr := NewATR(3)
	// Bars with no gaps: TR = high - low.
	atr.Update(10, 8, 9)  // TR 2
	atr.Update(11, 9, 10) // TR 2 (high-prevClose=2, high-low=2)
	if atr.Ready() {
		t.Fatal("ready before seed window complete")
	}
	atr.Update(12, 10, 11) // TR 2
	if !atr.Ready() {
		t.Fatal("expected ready after seed window")
	}
	if got := atr.Value(); math.Abs(got-2.0) > 1e-12 {
		t.Errorf("seeded ATR = %v, want 2.0", got)
	}
}

func TestATR_WilderStep(t *testing.T) {
	atr := NewATR(3)
	atr.Update(10, 8, 9)
	atr.Update(11, 9, 10)
	atr.Update(12, 10, 11) // seed = 2
	atr.Update(16, 11, 12) // TR = max(5, |16-11|=5, |11-11|=0) = 5
	want := (2.0*2 + 5.0) / 3.0
	if got := atr.Value(); math.Abs(got-want) > 1e-12 {
		t.Errorf("ATR = %v, want %v", got, want)
	}
}

func TestATR_RecomputeBitForBit(t *testing.T) {
	atr := NewATR(14)
	price := 1.2000
	for i := 0; i < 200; i++ {
		drift := float64(i%11)*0.0002 - 0.001
		price += drift
		atr.Update(price+0.0015, price-0.0012, price)
		if atr.Ready() && atr.Value() != atr.Recompute() {
			t.Fatalf("bar %d: cached %v != recomputed %v", i, atr.Value(), atr.Recompute())
		}
	}
}

func TestATR_SnapshotRestoreContinues(t *testing.T) {
	a := NewATR(14)
	b := NewATR(14)
	price := 1.3000
	feed := func(x *ATR, n int) {
		p := price
		for i := 0; i < n; i++ {
			p += float64(i%5)*0.0001 - 0.0002
			x.Update(p+0.001, p-0.001, p)
		}
	}
	feed(a, 50)
	feed(b, 50)

	restored := restoreATR(a.snapshot())
	// Same further input must produce identical values.
	for i := 0; i < 30; i++ {
		p := 1.35 + float64(i)*0.0001
		restored.Update(p+0.001, p-0.001, p)
		b.Update(p+0.001, p-0.001, p)
	}
	if restored.Value() != b.Value() {
		t.Fatalf("restored ATR diverged: %v vs %v", restored.Value(), b.Value())
	}
}
