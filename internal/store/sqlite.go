package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/your-org/strategy-ecosystem/internal/component"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS components (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	allocation TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS evolution_cycles (
	id TEXT PRIMARY KEY,
	time INTEGER NOT NULL,
	generation INTEGER NOT NULL,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id TEXT PRIMARY KEY,
	component_id TEXT NOT NULL,
	time INTEGER NOT NULL,
	event TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_snapshots (
	time INTEGER PRIMARY KEY,
	total TEXT NOT NULL,
	allocated TEXT NOT NULL,
	held TEXT NOT NULL,
	payload BLOB NOT NULL
);`

// SQLiteStore is an embedded, file-backed Store.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates a store for the database file at path. Init must be
// called before use.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Init opens the database and creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// UpsertComponent implements Store.
func (s *SQLiteStore) UpsertComponent(ctx context.Context, c component.Component) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := encode(c)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO components (id, type, status, created_at, updated_at, allocation, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			updated_at = excluded.updated_at,
			allocation = excluded.allocation,
			payload = excluded.payload
	`, c.ID, string(c.Type), string(c.Status), c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), c.Allocation.String(), payload)
	return err
}

// DeleteComponent implements Store.
func (s *SQLiteStore) DeleteComponent(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM components WHERE id = ?`, id)
	return err
}

// LoadComponents implements Store.
func (s *SQLiteStore) LoadComponents(ctx context.Context) ([]component.Component, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT payload FROM components ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []component.Component
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
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
func (s *SQLiteStore) AppendCycle(ctx context.Context, cycle EvolutionCycle) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := encode(cycle)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO evolution_cycles (id, time, generation, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, cycle.ID, cycle.Time.UnixNano(), cycle.Generation, payload)
	return err
}

// ListCycles implements Store.
func (s *SQLiteStore) ListCycles(ctx context.Context, limit int) ([]EvolutionCycle, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `SELECT payload FROM evolution_cycles ORDER BY time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvolutionCycle
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
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
func (s *SQLiteStore) AppendEvent(ctx context.Context, event LifecycleEvent) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := encode(event)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (id, component_id, time, event, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, event.ID, event.ComponentID, event.Time.UnixNano(), event.Event, payload)
	return err
}

// SaveLedgerSnapshot implements Store.
func (s *SQLiteStore) SaveLedgerSnapshot(ctx context.Context, snapshot LedgerSnapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := encode(snapshot)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (time, total, allocated, held, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(time) DO UPDATE SET
			total = excluded.total,
			allocated = excluded.allocated,
			held = excluded.held,
			payload = excluded.payload
	`, snapshot.Time.UnixNano(), snapshot.Total.String(), snapshot.Allocated.String(), snapshot.Held.String(), payload)
	return err
}

// CountSnapshots returns the number of stored ledger snapshots.
func (s *SQLiteStore) CountSnapshots(ctx context.Context) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_snapshots`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
