package dbwriter

import (
	"context"
	"sync"
)

// InMemWriter is an in-memory implementation of the DBWriter interface for testing.
type InMemWriter struct {
	mu            sync.RWMutex
	samples       []Sample
	tickSummaries []TickSummary
	closed        bool
}

// NewInMemWriter creates a new InMemWriter.
func NewInMemWriter() *InMemWriter {
	return &InMemWriter{}
}

// SaveSample appends a sample.
func (w *InMemWriter) SaveSample(sample Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample)
}

// SaveTickSummary appends a summary.
func (w *InMemWriter) SaveTickSummary(ctx context.Context, summary TickSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tickSummaries = append(w.tickSummaries, summary)
	return nil
}

// Samples returns a copy of the stored samples.
func (w *InMemWriter) Samples() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Sample(nil), w.samples...)
}

// TickSummaries returns a copy of the stored summaries.
func (w *InMemWriter) TickSummaries() []TickSummary {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]TickSummary(nil), w.tickSummaries...)
}

// Close marks the writer as closed.
func (w *InMemWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// Closed reports whether Close was called.
func (w *InMemWriter) Closed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}
