// Package metrics aggregates per-component performance samples over a rolling
// evaluation window and turns them into fitness scores.
package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/your-org/strategy-ecosystem/pkg/window"
)

var (
	// ErrInsufficientData means a component does not have enough samples to be
	// ranked yet. It is an expected condition, not a zero score.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrOutOfOrder is returned when a sample is older than the newest sample
	// already ingested for the same component.
	ErrOutOfOrder = errors.New("sample out of order")
)

// Sample is one performance observation: the return realized since the
// previous sample, as a fraction of the component's allocation.
type Sample struct {
	Time   time.Time `json:"time"`
	Return float64   `json:"return"`
}

// Aggregates are the derived statistics of one component's window.
type Aggregates struct {
	Count            int       `json:"count"`
	CumulativeReturn float64   `json:"cumulative_return"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	Mean             float64   `json:"mean"`
	StdDev           float64   `json:"std_dev"`
	Sharpe           float64   `json:"sharpe"`
	LastSample       time.Time `json:"last_sample"`
}

// Config configures a Collector.
type Config struct {
	Period     time.Duration // evaluation window span
	Capacity   int           // hard bound on samples per component
	MinSamples int           // below this a component is not rankable
	Policy     FitnessPolicy
}

type series struct {
	mu  sync.Mutex
	win *window.Window
}

// Collector keeps one rolling window per component. Windows live in a dense
// slice indexed by component id; ingestion for different components proceeds
// in parallel.
type Collector struct {
	cfg Config

	mu     sync.RWMutex
	index  map[string]int
	series []*series
	free   []int
}

// NewCollector creates a collector. Zero values fall back to a one-day period,
// 1024 samples, one sample minimum and the default fitness policy.
func NewCollector(cfg Config) *Collector {
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	return &Collector{
		cfg:   cfg,
		index: make(map[string]int),
	}
}

// MinSamples returns the configured ranking threshold.
func (c *Collector) MinSamples() int { return c.cfg.MinSamples }

func (c *Collector) lookup(id string) *series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx, ok := c.index[id]; ok {
		return c.series[idx]
	}
	return nil
}

func (c *Collector) lookupOrCreate(id string) *series {
	if s := c.lookup(id); s != nil {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.index[id]; ok {
		return c.series[idx]
	}
	s := &series{win: window.New(c.cfg.Capacity, c.cfg.Period)}
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		c.series[idx] = s
		c.index[id] = idx
	} else {
		c.series = append(c.series, s)
		c.index[id] = len(c.series) - 1
	}
	return s
}

// Ingest appends a sample to the component's window, evicts samples that fell
// out of the evaluation period and returns the refreshed aggregates.
func (c *Collector) Ingest(id string, sample Sample) (Aggregates, error) {
	s := c.lookupOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.win.Last(); ok && sample.Time.Before(last.Time) {
		return c.aggregates(s.win), fmt.Errorf("%w: %s sample at %s precedes %s",
			ErrOutOfOrder, id, sample.Time.Format(time.RFC3339Nano), last.Time.Format(time.RFC3339Nano))
	}
	s.win.Add(window.Sample{Time: sample.Time, Value: sample.Return})
	return c.aggregates(s.win), nil
}

func (c *Collector) aggregates(w *window.Window) Aggregates {
	agg := Aggregates{
		Count:            w.Len(),
		CumulativeReturn: w.Sum(),
		MaxDrawdown:      w.MaxDrawdown(),
		Mean:             w.Mean(),
		StdDev:           w.StdDev(),
	}
	if agg.StdDev > 0 {
		agg.Sharpe = agg.Mean / agg.StdDev
	}
	if last, ok := w.Last(); ok {
		agg.LastSample = last.Time
	}
	return agg
}

// Aggregates returns the current aggregates of a component.
func (c *Collector) Aggregates(id string) (Aggregates, bool) {
	s := c.lookup(id)
	if s == nil {
		return Aggregates{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.aggregates(s.win), true
}

// Samples returns the component's window in chronological order.
func (c *Collector) Samples(id string) []Sample {
	s := c.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	raw := s.win.Samples()
	s.mu.Unlock()

	out := make([]Sample, len(raw))
	for i, r := range raw {
		out[i] = Sample{Time: r.Time, Return: r.Value}
	}
	return out
}

// Fitness scores a component with the configured policy. It fails with
// ErrInsufficientData while fewer than MinSamples samples are in the window.
func (c *Collector) Fitness(id string) (float64, error) {
	agg, ok := c.Aggregates(id)
	if !ok || agg.Count < c.cfg.MinSamples {
		return 0, fmt.Errorf("%w: %s has %d of %d samples", ErrInsufficientData, id, agg.Count, c.cfg.MinSamples)
	}
	return c.cfg.Policy.Score(agg), nil
}

// Expire evicts samples older than the evaluation period relative to now from
// every window, so idle components age out too.
func (c *Collector) Expire(now time.Time) int {
	c.mu.RLock()
	all := make([]*series, 0, len(c.index))
	for _, idx := range c.index {
		all = append(all, c.series[idx])
	}
	c.mu.RUnlock()

	cutoff := now.Add(-c.cfg.Period)
	evicted := 0
	for _, s := range all {
		s.mu.Lock()
		evicted += s.win.EvictBefore(cutoff)
		s.mu.Unlock()
	}
	return evicted
}

// Remove drops the window of a component.
func (c *Collector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[id]
	if !ok {
		return
	}
	c.series[idx] = nil
	delete(c.index, id)
	c.free = append(c.free, idx)
}

// Len returns the number of tracked components.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}
