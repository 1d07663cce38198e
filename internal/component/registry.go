package component

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is the part of the capital allocator the registry needs to admit
// new components.
type Ledger interface {
	Reserve(id string, amount decimal.Decimal) error
	Transfer(from, to string) (decimal.Decimal, error)
	Release(id string) decimal.Decimal
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides the id source.
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

type slot struct {
	component Component
	seq       uint64
	used      bool
}

// Registry is the single source of truth for which components exist and in
// which state. Components live in a dense slice addressed through an id index;
// freed slots are reused.
type Registry struct {
	mu     sync.RWMutex
	ledger Ledger
	slots  []slot
	index  map[string]int
	free   []int
	seq    uint64

	now   func() time.Time
	newID func() string
}

// NewRegistry creates an empty registry backed by the given ledger.
func NewRegistry(ledger Ledger, opts ...Option) *Registry {
	r := &Registry{
		ledger: ledger,
		index:  make(map[string]int),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register reserves initialCapital for a new component and records it in the
// Initializing state.
func (r *Registry) Register(typ Type, initialCapital decimal.Decimal, spec Spec) (string, error) {
	id := r.newID()
	if err := r.ledger.Reserve(id, initialCapital); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	r.insert(r.fresh(id, typ, initialCapital, spec))
	return id, nil
}

// RegisterFromSlot records a new component funded by capital already held
// under slotID.
func (r *Registry) RegisterFromSlot(typ Type, slotID string, spec Spec) (string, error) {
	id := r.newID()
	amount, err := r.ledger.Transfer(slotID, id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	r.insert(r.fresh(id, typ, amount, spec))
	return id, nil
}

// Adopt re-admits a previously persisted component under its original id and
// creation time. It restarts in the Initializing state.
func (r *Registry) Adopt(c Component) error {
	r.mu.RLock()
	_, exists := r.index[c.ID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("component %s already registered", c.ID)
	}
	if err := r.ledger.Reserve(c.ID, c.Allocation); err != nil {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	c.Status = StatusInitializing
	c.UpdatedAt = r.now()
	c.ConsecutiveErrors = 0
	c.Spec = c.Spec.Clone()
	r.insert(c)
	return nil
}

func (r *Registry) fresh(id string, typ Type, amount decimal.Decimal, spec Spec) Component {
	now := r.now()
	spec = spec.Clone()
	spec.Type = typ
	return Component{
		ID:         id,
		Type:       typ,
		Status:     StatusInitializing,
		CreatedAt:  now,
		UpdatedAt:  now,
		Allocation: amount,
		Spec:       spec,
	}
}

func (r *Registry) insert(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	s := slot{component: c, seq: r.seq, used: true}
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[idx] = s
		r.index[c.ID] = idx
		return
	}
	r.slots = append(r.slots, s)
	r.index[c.ID] = len(r.slots) - 1
}

// Get returns a snapshot of the component.
func (r *Registry) Get(id string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[id]
	if !ok {
		return Component{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyOf(r.slots[idx].component), nil
}

// List returns snapshots of the matching components ordered by creation time.
// Every call produces a new, finite slice.
func (r *Registry) List(f Filter) []Component {
	r.mu.RLock()
	type entry struct {
		c   Component
		seq uint64
	}
	entries := make([]entry, 0, len(r.index))
	for _, s := range r.slots {
		if s.used && f.Match(s.component) {
			entries = append(entries, entry{c: copyOf(s.component), seq: s.seq})
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].c.CreatedAt.Equal(entries[j].c.CreatedAt) {
			return entries[i].c.CreatedAt.Before(entries[j].c.CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]Component, len(entries))
	for i, e := range entries {
		out[i] = e.c
	}
	return out
}

// Update applies fn to a copy of the component and commits the copy only if
// fn succeeds. Concurrent readers observe either the old or the new state.
func (r *Registry) Update(id string, fn func(c *Component) error) (Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.index[id]
	if !ok {
		return Component{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := copyOf(r.slots[idx].component)
	if err := fn(&next); err != nil {
		return copyOf(r.slots[idx].component), err
	}
	next.UpdatedAt = r.now()
	r.slots[idx].component = next
	return copyOf(next), nil
}

// Remove deletes a Terminated or Failed component and returns any capital it
// still holds to the free pool.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	idx, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	status := r.slots[idx].component.Status
	if status != StatusTerminated && status != StatusFailed {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot remove component %s in status %s", ErrInvalidTransition, id, status)
	}
	r.slots[idx] = slot{}
	delete(r.index, id)
	r.free = append(r.free, idx)
	r.mu.Unlock()

	r.ledger.Release(id)
	return nil
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Counts returns the number of components per status. Every status is present.
func (r *Registry) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.slots {
		if s.used {
			counts[s.component.Status]++
		}
	}
	return counts
}

func copyOf(c Component) Component {
	c.Spec = c.Spec.Clone()
	return c
}
