package risk

import "math"

// window is a fixed-capacity rolling sample buffer.
type window struct {
	buf  []float64
	idx  int
	size int
}

func newWindow(capacity int) *window {
	if capacity < 2 {
		capacity = 2
	}
	return &window{buf: make([]float64, capacity)}
}

func (w *window) push(v float64) {
	w.buf[w.idx] = v
	w.idx = (w.idx + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

func (w *window) full() bool { return w.size == len(w.buf) }

func (w *window) len() int { return w.size }

// values returns the samples oldest-first.
func (w *window) values() []float64 {
	out := make([]float64, w.size)
	start := (w.idx - w.size + len(w.buf)) % len(w.buf)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// tail returns the most recent n samples, oldest-first.
func (w *window) tail(n int) []float64 {
	if n > w.size {
		n = w.size
	}
	out := make([]float64, n)
	start := (w.idx - n + len(w.buf)) % len(w.buf)
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var s float64
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(xs)))
}

// quantile returns the q-quantile (0..1) of xs using nearest-rank on a
// sorted copy. Deterministic for a given sample set.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	insertionSort(sorted)
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// insertionSort keeps quantile allocation-light for the small windows used
// here (≤ a few hundred samples).
func insertionSort(xs []float64) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}

// pearson computes the Pearson correlation of two equal-length series.
// Returns 0 when either side is degenerate.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
