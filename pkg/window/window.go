// Package window provides a bounded, time-limited ring buffer of samples
// with running aggregates.
package window

import (
	"math"
	"time"
)

// Sample is a single timestamped observation.
type Sample struct {
	Time  time.Time
	Value float64
}

// Window holds samples in a circular buffer. Samples older than the span
// (relative to the newest sample) and samples beyond the capacity are evicted
// oldest first. Every aggregate is maintained in amortized constant time.
type Window struct {
	samples []Sample
	size    int
	head    int // Points to the next available slot for writing
	count   int // Number of elements currently in the buffer
	span    time.Duration

	sum   float64
	sumSq float64

	// Drawdown is kept as a two-stack queue of curve segments. front holds
	// the older samples, each entry aggregating itself and every newer entry
	// below it; back holds raw values of the newer samples.
	front   []segment
	back    []float64
	backAgg segment
	flips   int // values moved from back to front, for cost accounting
}

// segment summarizes a run of values as a cumulative curve starting at zero.
type segment struct {
	total float64 // net change over the run
	hi    float64 // highest point of the curve, including the zero start
	lo    float64 // lowest point of the curve, including the zero start
	dd    float64 // largest peak-to-trough decline inside the run
}

func leaf(v float64) segment {
	return segment{total: v, hi: math.Max(0, v), lo: math.Min(0, v), dd: math.Max(0, -v)}
}

// then appends b after a.
func (a segment) then(b segment) segment {
	return segment{
		total: a.total + b.total,
		hi:    math.Max(a.hi, a.total+b.hi),
		lo:    math.Min(a.lo, a.total+b.lo),
		dd:    math.Max(math.Max(a.dd, b.dd), a.hi-(a.total+b.lo)),
	}
}

// New creates a Window with the given capacity and span. A zero span disables
// time-based eviction.
func New(capacity int, span time.Duration) *Window {
	if capacity <= 0 {
		panic("window capacity must be positive")
	}
	return &Window{
		samples: make([]Sample, capacity),
		size:    capacity,
		span:    span,
		front:   make([]segment, 0, capacity),
		back:    make([]float64, 0, capacity),
	}
}

// Add appends a sample and evicts whatever falls out of the window. It returns
// the number of evicted samples.
func (w *Window) Add(s Sample) int {
	evicted := 0
	if w.count == w.size {
		w.dropOldest()
		evicted++
	}

	w.samples[w.head] = s
	w.head = (w.head + 1) % w.size
	w.count++
	w.sum += s.Value
	w.sumSq += s.Value * s.Value
	w.back = append(w.back, s.Value)
	w.backAgg = w.backAgg.then(leaf(s.Value))

	if w.span > 0 {
		evicted += w.evictBefore(s.Time.Add(-w.span))
	}
	return evicted
}

// EvictBefore drops every sample strictly older than cutoff.
func (w *Window) EvictBefore(cutoff time.Time) int {
	return w.evictBefore(cutoff)
}

func (w *Window) evictBefore(cutoff time.Time) int {
	n := 0
	for w.count > 0 && w.samples[w.oldestIndex()].Time.Before(cutoff) {
		w.dropOldest()
		n++
	}
	return n
}

func (w *Window) oldestIndex() int {
	return (w.head - w.count + w.size) % w.size
}

func (w *Window) dropOldest() {
	idx := w.oldestIndex()
	v := w.samples[idx].Value
	w.sum -= v
	w.sumSq -= v * v
	w.samples[idx] = Sample{}
	w.count--

	if len(w.front) == 0 {
		w.flip()
	}
	w.front = w.front[:len(w.front)-1]
	if w.count == 0 {
		// Resync the running sums so rounding error does not accumulate.
		w.sum, w.sumSq = 0, 0
	}
}

// flip moves the back stack onto the front stack, newest first, so the top of
// the front stack is the oldest sample.
func (w *Window) flip() {
	var agg segment
	for i := len(w.back) - 1; i >= 0; i-- {
		agg = leaf(w.back[i]).then(agg)
		w.front = append(w.front, agg)
	}
	w.flips += len(w.back)
	w.back = w.back[:0]
	w.backAgg = segment{}
}

func (w *Window) curve() segment {
	if len(w.front) == 0 {
		return w.backAgg
	}
	return w.front[len(w.front)-1].then(w.backAgg)
}

// Len returns the number of retained samples.
func (w *Window) Len() int { return w.count }

// Cap returns the capacity of the window.
func (w *Window) Cap() int { return w.size }

// Sum returns the sum of retained values.
func (w *Window) Sum() float64 { return w.sum }

// Mean returns the arithmetic mean, or zero for an empty window.
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// StdDev returns the population standard deviation of retained values.
func (w *Window) StdDev() float64 {
	if w.count == 0 {
		return 0
	}
	mean := w.Mean()
	variance := w.sumSq/float64(w.count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// MaxDrawdown returns the largest peak-to-trough decline of the cumulative
// value curve, starting from a zero baseline at the oldest retained sample.
func (w *Window) MaxDrawdown() float64 { return w.curve().dd }

// Last returns the newest sample.
func (w *Window) Last() (Sample, bool) {
	if w.count == 0 {
		return Sample{}, false
	}
	return w.samples[(w.head-1+w.size)%w.size], true
}

// Samples returns the retained samples in chronological order.
func (w *Window) Samples() []Sample {
	result := make([]Sample, w.count)
	start := w.oldestIndex()
	for i := 0; i < w.count; i++ {
		result[i] = w.samples[(start+i)%w.size]
	}
	return result
}
