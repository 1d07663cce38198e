package dbwriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/config"
)

var sampleColumns = []string{"time", "component_id", "component_type", "return", "pnl"}

// Pool is an interface that abstracts the pgxpool.Pool for testability.
type Pool interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Close()
}

// TimescaleWriter batches samples into TimescaleDB with COPY.
type TimescaleWriter struct {
	pool         Pool
	logger       *zap.Logger
	config       config.DBWriterConfig
	sampleBuffer []Sample
	bufferMutex  sync.Mutex
	flushMutex   sync.Mutex
	flushTicker  *time.Ticker
	shutdownChan chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewTimescaleWriter creates a writer over an existing pool and starts the
// periodic flush. A nil pool yields a writer that discards everything.
func NewTimescaleWriter(pool Pool, writerConfig config.DBWriterConfig, logger *zap.Logger) (*TimescaleWriter, error) {
	writer := &TimescaleWriter{
		pool:         pool,
		logger:       logger,
		config:       writerConfig,
		shutdownChan: make(chan struct{}),
	}
	if pool == nil {
		logger.Info("Database pool is nil, sample archive disabled.")
		return writer, nil
	}

	if writerConfig.WriteIntervalSeconds <= 0 {
		logger.Warn("WriteIntervalSeconds is zero or negative, defaulting to 1s.", zap.Int("originalValue", writerConfig.WriteIntervalSeconds))
		writer.config.WriteIntervalSeconds = 1
	}
	if writerConfig.BatchSize <= 0 {
		logger.Warn("BatchSize is zero or negative, defaulting to 100.", zap.Int("originalValue", writerConfig.BatchSize))
		writer.config.BatchSize = 100
	}
	writer.sampleBuffer = make([]Sample, 0, writer.config.BatchSize)

	writer.flushTicker = time.NewTicker(time.Duration(writer.config.WriteIntervalSeconds) * time.Second)
	writer.wg.Add(1)
	go writer.run()
	logger.Info("Started batch sample writer",
		zap.Int("batch_size", writer.config.BatchSize),
		zap.Int("write_interval_seconds", writer.config.WriteIntervalSeconds))
	return writer, nil
}

// Close stops the flush loop, writes what is still buffered and closes the pool.
func (w *TimescaleWriter) Close() {
	if w.pool == nil {
		return
	}
	w.closeOnce.Do(func() {
		w.logger.Info("Closing sample writer...")
		close(w.shutdownChan)
		w.flushTicker.Stop()
		w.wg.Wait()

		w.flush(context.Background())
		w.pool.Close()
		w.logger.Info("Sample writer closed")
	})
}

func (w *TimescaleWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.flushTicker.C:
			w.flush(context.Background())
		case <-w.shutdownChan:
			return
		}
	}
}

// SaveSample adds a sample to the buffer, flushing when the batch is full.
func (w *TimescaleWriter) SaveSample(sample Sample) {
	if w.pool == nil {
		return
	}

	w.bufferMutex.Lock()
	w.sampleBuffer = append(w.sampleBuffer, sample)
	shouldFlush := len(w.sampleBuffer) >= w.config.BatchSize
	w.bufferMutex.Unlock()

	if shouldFlush {
		w.flush(context.Background())
	}
}

// flush swaps the buffer out under the lock so producers are not blocked by
// the COPY round trip.
func (w *TimescaleWriter) flush(ctx context.Context) {
	w.flushMutex.Lock()
	defer w.flushMutex.Unlock()

	w.bufferMutex.Lock()
	batch := w.sampleBuffer
	w.sampleBuffer = make([]Sample, 0, w.config.BatchSize)
	w.bufferMutex.Unlock()

	if len(batch) == 0 {
		return
	}
	w.logger.Debug("Flushing samples", zap.Int("count", len(batch)))
	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"component_samples"},
		sampleColumns,
		pgx.CopyFromRows(toSampleRows(batch)),
	)
	if err != nil {
		w.logger.Error("Failed to batch insert samples", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func toSampleRows(samples []Sample) [][]interface{} {
	rows := make([][]interface{}, len(samples))
	for i, s := range samples {
		rows[i] = []interface{}{s.Time, s.ComponentID, s.Type, s.Return, s.PnL}
	}
	return rows
}

// SaveTickSummary writes one summary row.
func (w *TimescaleWriter) SaveTickSummary(ctx context.Context, summary TickSummary) error {
	if w.pool == nil {
		return nil
	}
	query := `INSERT INTO tick_summary (time, components, active, failed, allocated, utilization, duration_ms)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (time) DO NOTHING`
	_, err := w.pool.Exec(ctx, query,
		summary.Time, summary.Components, summary.Active, summary.Failed,
		summary.Allocated, summary.Utilization, summary.DurationMs,
	)
	if err != nil {
		w.logger.Error("Failed to insert tick summary", zap.Error(err))
		return fmt.Errorf("failed to insert tick summary: %w", err)
	}
	return nil
}
