// Package indicator maintains bounded-memory incremental indicator state per
// (pair, timeframe) stream: rolling moving averages over a preallocated
// circular buffer and a Wilder-smoothed ATR whose true-range window is kept
// so the cached value is reproducible from the buffer bit-for-bit.
package indicator

// RollingMA is an arithmetic moving average over the last period closes,
// held as a running sum: each Update adds the new close and subtracts the
// one falling out of the window. The buffer is preallocated; Update is
// allocation-free and O(1) amortized.
type RollingMA struct {
	period  int
	buf     []float64
	idx     int // next write position
	count   int
	sum     float64
	current float64
}

// NewRollingMA creates a rolling MA with the given period.
func NewRollingMA(period int) *RollingMA {
	return &RollingMA{
		period: period,
		buf:    make([]float64, period),
	}
}

// Update feeds one close price. Each time the ring wraps, the sum is
// resynced from the buffer so float error never accumulates past one
// window; the value stays a deterministic function of the ingest history.
func (m *RollingMA) Update(close float64) {
	m.sum += close - m.buf[m.idx]
	m.buf[m.idx] = close
	m.idx = (m.idx + 1) % m.period
	m.count++
	if m.idx == 0 {
		var sum float64
		for _, v := range m.buf {
			sum += v
		}
		m.sum = sum
	}
	if m.count >= m.period {
		m.current = m.sum / float64(m.period)
	}
}

// Recompute derives the mean from the buffer in a fixed iteration order,
// the same order the wrap resync uses. At every full wrap of the ring the
// cached value equals this exact computation bit-for-bit.
func (m *RollingMA) Recompute() float64 {
	var sum float64
	for _, v := range m.buf {
		sum += v
	}
	return sum / float64(m.period)
}

// Value returns the current mean, or 0 while warming.
func (m *RollingMA) Value() float64 { return m.current }

// Ready reports whether a full window has been seen.
func (m *RollingMA) Ready() bool { return m.count >= m.period }

// Peek returns the mean as if close were appended, without mutating state.
func (m *RollingMA) Peek(close float64) float64 {
	if m.count < m.period {
		var sum float64
		for i := 0; i < m.count; i++ {
			sum += m.buf[i]
		}
		return (sum + close) / float64(m.count+1)
	}
	var sum float64
	for i, v := range m.buf {
		if i == m.idx { // oldest value, about to fall out
			v = close
		}
		sum += v
	}
	return sum / float64(m.period)
}

// maState is the serialized form for checkpoints. Sum is persisted so a
// restored stream continues from the exact accumulated value.
type maState struct {
	Period  int       `json:"period"`
	Buf     []float64 `json:"buf"`
	Idx     int       `json:"idx"`
	Count   int       `json:"count"`
	Sum     float64   `json:"sum"`
	Current float64   `json:"current"`
}

func (m *RollingMA) snapshot() maState {
	buf := make([]float64, len(m.buf))
	copy(buf, m.buf)
	return maState{Period: m.period, Buf: buf, Idx: m.idx, Count: m.count, Sum: m.sum, Current: m.current}
}

func restoreMA(s maState) *RollingMA {
	m := NewRollingMA(s.Period)
	copy(m.buf, s.Buf)
	m.idx = s.Idx
	m.count = s.Count
	m.sum = s.Sum
	m.current = s.Current
	return m
}
