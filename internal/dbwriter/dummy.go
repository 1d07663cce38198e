package dbwriter

import (
	"context"
	"sync/atomic"

	"github.com/your-org/strategy-ecosystem/pkg/logger"
)

// DummyWriter discards archive data. It is used with the memory and sqlite
// stores, which keep no sample archive.
type DummyWriter struct {
	logger    logger.Logger
	discarded atomic.Int64
}

// NewDummyWriter creates a new dummy writer.
func NewDummyWriter(l logger.Logger) *DummyWriter {
	l.Info("Sample archive disabled: no PostgreSQL connection configured.")
	return &DummyWriter{logger: l}
}

// SaveSample counts and drops the sample.
func (d *DummyWriter) SaveSample(sample Sample) {
	d.discarded.Add(1)
}

// SaveTickSummary logs the summary at debug level.
func (d *DummyWriter) SaveTickSummary(ctx context.Context, summary TickSummary) error {
	d.logger.Debugf("Tick summary: components=%d active=%d failed=%d utilization=%.3f",
		summary.Components, summary.Active, summary.Failed, summary.Utilization)
	return nil
}

// Discarded returns the number of samples dropped so far.
func (d *DummyWriter) Discarded() int64 {
	return d.discarded.Load()
}

// Close logs how much was discarded.
func (d *DummyWriter) Close() {
	d.logger.Debugf("Dummy writer closed after discarding %d samples", d.discarded.Load())
}
