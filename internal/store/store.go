// Package store persists component records, the evolution audit log and
// ledger snapshots. Every write is an idempotent upsert keyed by id or
// timestamp, so at-least-once delivery is safe.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/your-org/strategy-ecosystem/internal/capital"
	"github.com/your-org/strategy-ecosystem/internal/component"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// EvolutionCycle records one selection event. Component ids are weak
// references: a retired component may be purged from the registry later.
type EvolutionCycle struct {
	ID         string             `json:"id"`
	Time       time.Time          `json:"time"`
	Generation int                `json:"generation"`
	Survivors  []string           `json:"survivors"`
	Retired    []string           `json:"retired"`
	Spawned    []string           `json:"spawned"`
	Pending    []string           `json:"pending"`
	Exempt     []string           `json:"exempt"`
	Fitness    map[string]float64 `json:"fitness,omitempty"`
}

// LifecycleEvent is an audit record of a notable status change.
type LifecycleEvent struct {
	ID          string           `json:"id"`
	ComponentID string           `json:"component_id"`
	Time        time.Time        `json:"time"`
	Event       string           `json:"event"`
	From        component.Status `json:"from"`
	To          component.Status `json:"to"`
	Reason      string           `json:"reason,omitempty"`
}

// LedgerSnapshot is a timestamped copy of the capital ledger.
type LedgerSnapshot struct {
	Time time.Time `json:"time"`
	capital.Snapshot
}

// Store is the persistence collaborator of the controller.
type Store interface {
	UpsertComponent(ctx context.Context, c component.Component) error
	DeleteComponent(ctx context.Context, id string) error
	LoadComponents(ctx context.Context) ([]component.Component, error)

	AppendCycle(ctx context.Context, cycle EvolutionCycle) error
	ListCycles(ctx context.Context, limit int) ([]EvolutionCycle, error)

	AppendEvent(ctx context.Context, event LifecycleEvent) error
	SaveLedgerSnapshot(ctx context.Context, snapshot LedgerSnapshot) error

	Close() error
}
