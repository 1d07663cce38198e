package strategy

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
)

// Spec parameters understood by PaperCapability.
const (
	ParamDrift      = "drift"      // mean return per sample
	ParamVolatility = "volatility" // standard deviation of the return per sample
	ParamFaultRate  = "fault_rate" // probability that a poll fails
)

// ErrSimulatedFault is returned by a paper handle when it injects a failure.
var ErrSimulatedFault = errors.New("simulated fault")

// PaperCapability runs components against simulated returns: a Gaussian
// random walk with drift, driven entirely by spec parameters.
type PaperCapability struct {
	seed uint64
	now  func() time.Time
}

// NewPaperCapability creates a capability. Equal seeds and spec names produce
// equal return streams.
func NewPaperCapability(seed uint64, now func() time.Time) *PaperCapability {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PaperCapability{seed: seed, now: now}
}

// Start implements Capability.
func (p *PaperCapability) Start(ctx context.Context, spec component.Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(spec.Name))
	return &paperHandle{
		rng:        rand.New(rand.NewPCG(p.seed, h.Sum64()^uint64(spec.Generation))),
		drift:      spec.Param(ParamDrift, 0),
		volatility: spec.Param(ParamVolatility, 0.01),
		faultRate:  spec.Param(ParamFaultRate, 0),
		now:        p.now,
	}, nil
}

type paperHandle struct {
	mu         sync.Mutex
	rng        *rand.Rand
	drift      float64
	volatility float64
	faultRate  float64
	now        func() time.Time
	last       time.Time
	stopped    bool
}

func (h *paperHandle) Poll(ctx context.Context) (metrics.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return metrics.Sample{}, false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return metrics.Sample{}, false, errors.New("handle stopped")
	}
	if h.faultRate > 0 && h.rng.Float64() < h.faultRate {
		return metrics.Sample{}, false, ErrSimulatedFault
	}
	now := h.now()
	if !now.After(h.last) {
		return metrics.Sample{}, false, nil
	}
	h.last = now
	r := h.drift + h.volatility*h.rng.NormFloat64()
	return metrics.Sample{Time: now, Return: r}, true, nil
}

func (h *paperHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}
