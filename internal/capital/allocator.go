// Package capital implements the ledger that gates every capital-affecting
// operation in the ecosystem.
package capital

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrCapitalExceeded is returned when a reservation would push the total
	// allocation past the available capital.
	ErrCapitalExceeded = errors.New("capital exceeded")
	// ErrPositionLimitExceeded is returned when a single entry would exceed the
	// maximum position size.
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
	// ErrInvalidAmount is returned for non-positive reservation amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnknownEntry is returned when an operation names an id without an allocation.
	ErrUnknownEntry = errors.New("no allocation for id")
	// ErrEntryExists is returned when a transfer target already holds capital.
	ErrEntryExists = errors.New("allocation already exists")
	// ErrInvariant reports a corrupted ledger.
	ErrInvariant = errors.New("ledger invariant violated")
)

// Config holds the risk parameters of the allocator. Fractions are expressed
// in [0, 1].
type Config struct {
	TotalCapital     decimal.Decimal
	ReserveMargin    float64 // share of total capital that is never allocated
	MaxPositionSize  float64 // per-entry cap as a share of total capital
	MaxDrawdownLimit float64 // tolerated peak-to-trough loss as a share of the entry allocation
}

type entry struct {
	id      string
	amount  decimal.Decimal
	held    bool
	pnl     decimal.Decimal
	peakPnL decimal.Decimal
	used    bool
}

// Allocator tracks the total capital and per-id allocations. All methods are
// serialized by a single mutex, so no caller can observe a partially applied
// change.
type Allocator struct {
	mu sync.Mutex

	total       decimal.Decimal
	ceiling     decimal.Decimal
	positionCap decimal.Decimal
	ddLimit     decimal.Decimal

	entries   []entry
	index     map[string]int
	free      []int
	allocated decimal.Decimal
}

// NewAllocator creates an allocator with no outstanding allocations.
func NewAllocator(cfg Config) *Allocator {
	one := decimal.NewFromInt(1)
	total := cfg.TotalCapital
	if total.IsNegative() {
		total = decimal.Zero
	}
	margin := decimal.NewFromFloat(cfg.ReserveMargin)
	if margin.IsNegative() || margin.GreaterThan(one) {
		margin = decimal.Zero
	}
	positionCap := total
	if cfg.MaxPositionSize > 0 && cfg.MaxPositionSize < 1 {
		positionCap = total.Mul(decimal.NewFromFloat(cfg.MaxPositionSize))
	}
	return &Allocator{
		total:       total,
		ceiling:     total.Mul(one.Sub(margin)),
		positionCap: positionCap,
		ddLimit:     decimal.NewFromFloat(cfg.MaxDrawdownLimit),
		index:       make(map[string]int),
		allocated:   decimal.Zero,
	}
}

// Reserve grants amount to id, adding to any allocation id already holds. The
// call is all-or-nothing: on error the ledger is unchanged.
func (a *Allocator) Reserve(id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.allocated.Add(amount)
	if next.GreaterThan(a.ceiling) {
		return fmt.Errorf("%w: requested %s with %s allocated of %s available",
			ErrCapitalExceeded, amount.String(), a.allocated.String(), a.ceiling.String())
	}

	current := decimal.Zero
	idx, exists := a.index[id]
	if exists {
		current = a.entries[idx].amount
	}
	if current.Add(amount).GreaterThan(a.positionCap) {
		return fmt.Errorf("%w: %s would hold %s, limit %s",
			ErrPositionLimitExceeded, id, current.Add(amount).String(), a.positionCap.String())
	}

	if exists {
		a.entries[idx].amount = current.Add(amount)
	} else {
		a.insert(entry{id: id, amount: amount, pnl: decimal.Zero, peakPnL: decimal.Zero, used: true})
	}
	a.allocated = next
	return nil
}

// Release returns the full allocation of id to the free pool and reports the
// amount released. Releasing an unknown or already released id is a no-op.
func (a *Allocator) Release(id string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index[id]
	if !ok {
		return decimal.Zero
	}
	amount := a.entries[idx].amount
	a.remove(id, idx)
	a.allocated = a.allocated.Sub(amount)
	return amount
}

// Transfer moves the whole allocation of from to the new id to. The transferred
// entry starts active with a clean PnL record.
func (a *Allocator) Transfer(from, to string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownEntry, from)
	}
	if _, taken := a.index[to]; taken {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrEntryExists, to)
	}
	amount := a.entries[idx].amount
	a.remove(from, idx)
	a.insert(entry{id: to, amount: amount, pnl: decimal.Zero, peakPnL: decimal.Zero, used: true})
	return amount, nil
}

// Suspend keeps the allocation of id reserved but marks it idle. Suspended
// capital still counts against the total.
func (a *Allocator) Suspend(id string) error {
	return a.setHeld(id, true)
}

// Resume marks a suspended allocation as active again.
func (a *Allocator) Resume(id string) error {
	return a.setHeld(id, false)
}

func (a *Allocator) setHeld(id string, held bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	a.entries[idx].held = held
	return nil
}

// RecordPnL adds a realized profit (or loss, when negative) to the entry of id.
func (a *Allocator) RecordPnL(id string, pnl decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	e := &a.entries[idx]
	e.pnl = e.pnl.Add(pnl)
	if e.pnl.GreaterThan(e.peakPnL) {
		e.peakPnL = e.pnl
	}
	return nil
}

// ResetPnL clears the realized PnL record of id. A restarted component
// starts with a fresh drawdown baseline.
func (a *Allocator) ResetPnL(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	a.entries[idx].pnl = decimal.Zero
	a.entries[idx].peakPnL = decimal.Zero
	return nil
}

// DrawdownBreach reports whether the realized peak-to-trough loss of id has
// reached the configured share of its allocation. It only detects; acting on a
// breach is up to the caller.
func (a *Allocator) DrawdownBreach(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[id]
	if !ok {
		return false
	}
	e := a.entries[idx]
	if !e.amount.IsPositive() || !a.ddLimit.IsPositive() {
		return false
	}
	loss := e.peakPnL.Sub(e.pnl)
	return loss.GreaterThanOrEqual(e.amount.Mul(a.ddLimit))
}

// Allocation returns the amount currently held by id.
func (a *Allocator) Allocation(id string) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.index[id]
	if !ok {
		return decimal.Zero, false
	}
	return a.entries[idx].amount, true
}

// Total returns the configured total capital.
func (a *Allocator) Total() decimal.Decimal {
	return a.total
}

// Allocated returns the sum of all allocations.
func (a *Allocator) Allocated() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// CheckInvariant verifies that the running total matches the entries and that
// the total stays within the ceiling.
func (a *Allocator) CheckInvariant() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum := decimal.Zero
	for _, e := range a.entries {
		if !e.used {
			continue
		}
		if e.amount.IsNegative() {
			return fmt.Errorf("%w: negative allocation %s for %s", ErrInvariant, e.amount.String(), e.id)
		}
		sum = sum.Add(e.amount)
	}
	if !sum.Equal(a.allocated) {
		return fmt.Errorf("%w: entries sum to %s but ledger records %s", ErrInvariant, sum.String(), a.allocated.String())
	}
	if sum.GreaterThan(a.ceiling) || sum.GreaterThan(a.total) {
		return fmt.Errorf("%w: allocated %s exceeds ceiling %s", ErrInvariant, sum.String(), a.ceiling.String())
	}
	return nil
}

func (a *Allocator) insert(e entry) {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.entries[idx] = e
		a.index[e.id] = idx
		return
	}
	a.entries = append(a.entries, e)
	a.index[e.id] = len(a.entries) - 1
}

func (a *Allocator) remove(id string, idx int) {
	a.entries[idx] = entry{}
	delete(a.index, id)
	a.free = append(a.free, idx)
}

// EntrySnapshot is the ledger state of one id.
type EntrySnapshot struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Held   bool            `json:"held"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Snapshot is a consistent copy of the whole ledger.
type Snapshot struct {
	Total     decimal.Decimal `json:"total"`
	Ceiling   decimal.Decimal `json:"ceiling"`
	Allocated decimal.Decimal `json:"allocated"`
	Held      decimal.Decimal `json:"held"`
	Free      decimal.Decimal `json:"free"`
	Entries   []EntrySnapshot `json:"entries"`
}

// Utilization returns allocated capital as a share of the total.
func (s Snapshot) Utilization() float64 {
	if !s.Total.IsPositive() {
		return 0
	}
	return s.Allocated.Div(s.Total).InexactFloat64()
}

// Snapshot copies the ledger. Entries are sorted by id.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	held := decimal.Zero
	entries := make([]EntrySnapshot, 0, len(a.index))
	for _, e := range a.entries {
		if !e.used {
			continue
		}
		if e.held {
			held = held.Add(e.amount)
		}
		entries = append(entries, EntrySnapshot{ID: e.id, Amount: e.amount, Held: e.held, PnL: e.pnl})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return Snapshot{
		Total:     a.total,
		Ceiling:   a.ceiling,
		Allocated: a.allocated,
		Held:      held,
		Free:      a.ceiling.Sub(a.allocated),
		Entries:   entries,
	}
}
