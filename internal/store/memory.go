package store

import (
	"context"
	"sort"
	"sync"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

// MemoryStore is an in-process Store. It backs tests and deployments that do
// not need durability.
type MemoryStore struct {
	mu         sync.RWMutex
	components map[string]component.Component
	cycles     map[string]EvolutionCycle
	events     map[string]LifecycleEvent
	snapshots  []LedgerSnapshot
	closed     bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		components: make(map[string]component.Component),
		cycles:     make(map[string]EvolutionCycle),
		events:     make(map[string]LifecycleEvent),
	}
}

// UpsertComponent stores c, replacing any earlier record with the same id.
func (s *MemoryStore) UpsertComponent(ctx context.Context, c component.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c.Spec = c.Spec.Clone()
	s.components[c.ID] = c
	return nil
}

// DeleteComponent removes the record with the given id, if any.
func (s *MemoryStore) DeleteComponent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.components, id)
	return nil
}

// LoadComponents returns all records ordered by creation time.
func (s *MemoryStore) LoadComponents(ctx context.Context) ([]component.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]component.Component, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendCycle records a cycle. A duplicate id leaves the first record intact.
func (s *MemoryStore) AppendCycle(ctx context.Context, cycle EvolutionCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.cycles[cycle.ID]; !exists {
		s.cycles[cycle.ID] = cycle
	}
	return nil
}

// ListCycles returns up to limit cycles, newest first. A non-positive limit
// returns every cycle.
func (s *MemoryStore) ListCycles(ctx context.Context, limit int) ([]EvolutionCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]EvolutionCycle, 0, len(s.cycles))
	for _, c := range s.cycles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvent records a lifecycle event. Duplicates are ignored.
func (s *MemoryStore) AppendEvent(ctx context.Context, event LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.events[event.ID]; !exists {
		s.events[event.ID] = event
	}
	return nil
}

// Events returns the recorded lifecycle events in time order.
func (s *MemoryStore) Events() []LifecycleEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LifecycleEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// SaveLedgerSnapshot records a snapshot, replacing one with the same time.
func (s *MemoryStore) SaveLedgerSnapshot(ctx context.Context, snapshot LedgerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.snapshots {
		if s.snapshots[i].Time.Equal(snapshot.Time) {
			s.snapshots[i] = snapshot
			return nil
		}
	}
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// Snapshots returns the saved ledger snapshots in insertion order.
func (s *MemoryStore) Snapshots() []LedgerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LedgerSnapshot(nil), s.snapshots...)
}

// Close marks the store as closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
