package indicator

import "math"

// ATR is a Wilder-smoothed average true range.
//
// The first period true ranges seed the accumulator with their arithmetic
// mean. After seeding, each bar folds one step: atr = (atr*(n-1) + tr) / n.
// The last period post-seed TRs are kept in a ring together with the
// accumulator value as of the oldest buffered TR ("seed"), so the cached
// value equals folding seed over the buffer in order — the invariant the
// checkpoint tests assert bit-for-bit.
type ATR struct {
	period    int
	buf       []float64 // post-seed TRs, oldest first from idx
	idx       int
	size      int // buffered TR count (≤ period)
	seed      float64
	value     float64
	seedSum   float64 // accumulates the first period TRs
	seedCount int
	prevClose float64
	haveClose bool
}

// NewATR creates an ATR with the given Wilder period.
func NewATR(period int) *ATR {
	return &ATR{
		period: period,
		buf:    make([]float64, period),
	}
}

// Update feeds one closed bar's high/low/close.
func (a *ATR) Update(high, low, close float64) {
	tr := high - low
	if a.haveClose {
		if d := math.Abs(high - a.prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(low - a.prevClose); d > tr {
			tr = d
		}
	}
	a.prevClose = close
	a.haveClose = true

	if a.seedCount < a.period {
		a.seedSum += tr
		a.seedCount++
		if a.seedCount == a.period {
			a.seed = a.seedSum / float64(a.period)
			a.value = a.seed
		}
		return
	}

	if a.size == a.period {
		// Evict the oldest TR by folding it into the seed; the invariant
		// value == fold(seed, buf) is preserved exactly.
		a.seed = wilderStep(a.seed, a.buf[a.idx], a.period)
		a.size--
	}
	a.buf[a.idx] = tr
	a.idx = (a.idx + 1) % a.period
	a.size++
	a.value = wilderStep(a.value, tr, a.period)
}

func wilderStep(prev, tr float64, period int) float64 {
	n := float64(period)
	return (prev*(n-1) + tr) / n
}

// Recompute folds the seed over the buffered TRs in order. Equal to Value()
// bit-for-bit whenever the ATR is ready.
func (a *ATR) Recompute() float64 {
	v := a.seed
	for i := 0; i < a.size; i++ {
		v = wilderStep(v, a.buf[(a.idx-a.size+i+a.period)%a.period], a.period)
	}
	return v
}

// Value returns the current ATR, or 0 while warming.
func (a *ATR) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.value
}

// Ready reports whether the seed window is complete.
func (a *ATR) Ready() bool { return a.seedCount >= a.period }

// TRZScore returns the z-score of the most recent true range against the
// buffered window. Zero while fewer than two TRs are buffered.
func (a *ATR) TRZScore() float64 {
	if a.size < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < a.size; i++ {
		sum += a.buf[(a.idx-a.size+i+a.period)%a.period]
	}
	mean := sum / float64(a.size)
	var varSum float64
	for i := 0; i < a.size; i++ {
		d := a.buf[(a.idx-a.size+i+a.period)%a.period] - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(a.size))
	if std == 0 {
		return 0
	}
	last := a.buf[(a.idx-1+a.period)%a.period]
	return (last - mean) / std
}

type atrState struct {
	Period    int       `json:"period"`
	Buf       []float64 `json:"buf"`
	Idx       int       `json:"idx"`
	Size      int       `json:"size"`
	Seed      float64   `json:"seed"`
	Value     float64   `json:"value"`
	SeedSum   float64   `json:"seed_sum"`
	SeedCount int       `json:"seed_count"`
	PrevClose float64   `json:"prev_close"`
	HaveClose bool      `json:"have_close"`
}

func (a *ATR) snapshot() atrState {
	buf := make([]float64, len(a.buf))
	copy(buf, a.buf)
	return atrState{
		Period: a.period, Buf: buf, Idx: a.idx, Size: a.size,
		Seed: a.seed, Value: a.value,
		SeedSum: a.seedSum, SeedCount: a.seedCount,
		PrevClose: a.prevClose, HaveClose: a.haveClose,
	}
}

func restoreATR(s atrState) *ATR {
	a := NewATR(s.Period)
	copy(a.buf, s.Buf)
	a.idx = s.Idx
	a.size = s.Size
	a.seed = s.Seed
	a.value = s.Value
	a.seedSum = s.SeedSum
	a.seedCount = s.SeedCount
	a.prevClose = s.PrevClose
	a.haveClose = s.HaveClose
	return a
}
