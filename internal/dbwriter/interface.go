package dbwriter

import (
	"context"
)

// DBWriter defines the interface for archiving controller data.
// This allows for mocking in tests.
type DBWriter interface {
	// SaveSample buffers one ingested performance sample.
	SaveSample(sample Sample)
	// SaveTickSummary writes one control-loop summary immediately.
	SaveTickSummary(ctx context.Context, summary TickSummary) error
	// Close flushes buffered data and releases the connection.
	Close()
}
