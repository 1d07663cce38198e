package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

// Pool abstracts *pgxpool.Pool for testability.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Close()
}

const (
	upsertComponentSQL = `INSERT INTO components (id, type, status, created_at, updated_at, allocation, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		type = EXCLUDED.type,
		status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at,
		allocation = EXCLUDED.allocation,
		payload = EXCLUDED.payload`
	deleteComponentSQL = `DELETE FROM components WHERE id = $1`
	loadComponentsSQL  = `SELECT payload FROM components ORDER BY created_at ASC, id ASC`
	appendCycleSQL     = `INSERT INTO evolution_cycles (id, time, generation, payload)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO NOTHING`
	listCyclesSQL  = `SELECT payload FROM evolution_cycles ORDER BY time DESC, id DESC LIMIT $1`
	appendEventSQL = `INSERT INTO lifecycle_events (id, component_id, time, event, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING`
	saveSnapshotSQL = `INSERT INTO ledger_snapshots (time, total, allocated, held, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (time) DO UPDATE SET
		total = EXCLUDED.total,
		allocated = EXCLUDED.allocated,
		held = EXCLUDED.held,
		payload = EXCLUDED.payload`
)

// PostgresStore persists records to PostgreSQL/TimescaleDB through a pgx pool.
type PostgresStore struct {
	pool   Pool
	logger *zap.Logger
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// UpsertComponent implements Store.
func (s *PostgresStore) UpsertComponent(ctx context.Context, c component.Component) error {
	payload, err := encode(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertComponentSQL,
		c.ID, string(c.Type), string(c.Status), c.CreatedAt, c.UpdatedAt, c.Allocation, payload)
	if err != nil {
		s.logger.Error("Failed to upsert component", zap.String("component_id", c.ID), zap.Error(err))
		return fmt.Errorf("failed to upsert component %s: %w", c.ID, err)
	}
	return nil
}

// DeleteComponent implements Store.
func (s *PostgresStore) DeleteComponent(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, deleteComponentSQL, id); err != nil {
		return fmt.Errorf("failed to delete component %s: %w", id, err)
	}
	return nil
}

// LoadComponents implements Store.
func (s *PostgresStore) LoadComponents(ctx context.Context) ([]component.Component, error) {
	rows, err := s.pool.Query(ctx, loadComponentsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to load components: %w", err)
	}
	defer rows.Close()

	var out []component.Component
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan component: %w", err)
		}
		c, err := decodeComponent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendCycle implements Store.
func (s *PostgresStore) AppendCycle(ctx context.Context, cycle EvolutionCycle) error {
	payload, err := encode(cycle)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, appendCycleSQL, cycle.ID, cycle.Time, cycle.Generation, payload); err != nil {
		s.logger.Error("Failed to append evolution cycle", zap.String("cycle_id", cycle.ID), zap.Error(err))
		return fmt.Errorf("failed to append evolution cycle %s: %w", cycle.ID, err)
	}
	return nil
}

// ListCycles implements Store.
func (s *PostgresStore) ListCycles(ctx context.Context, limit int) ([]EvolutionCycle, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, listCyclesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evolution cycles: %w", err)
	}
	defer rows.Close()

	var out []EvolutionCycle
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan evolution cycle: %w", err)
		}
		cycle, err := decodeCycle(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cycle)
	}
	return out, rows.Err()
}

// AppendEvent implements Store.
func (s *PostgresStore) AppendEvent(ctx context.Context, event LifecycleEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, appendEventSQL, event.ID, event.ComponentID, event.Time, event.Event, payload); err != nil {
		return fmt.Errorf("failed to append lifecycle event %s: %w", event.ID, err)
	}
	return nil
}

// SaveLedgerSnapshot implements Store.
func (s *PostgresStore) SaveLedgerSnapshot(ctx context.Context, snapshot LedgerSnapshot) error {
	payload, err := encode(snapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, saveSnapshotSQL,
		snapshot.Time, snapshot.Total, snapshot.Allocated, snapshot.Held, payload)
	if err != nil {
		return fmt.Errorf("failed to save ledger snapshot: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
