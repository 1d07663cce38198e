// Package evolution runs the periodic selection cycle: rank the active
// population by fitness, retire the weakest, and refill their capital slots
// with generator proposals.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/lifecycle"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
)

const maxHistory = 16

// FitnessSource scores components. *metrics.Collector implements it.
type FitnessSource interface {
	Fitness(id string) (float64, error)
}

// Ledger is the part of the capital allocator used to park retired capital.
type Ledger interface {
	Transfer(from, to string) (decimal.Decimal, error)
	Suspend(id string) error
	Allocation(id string) (decimal.Decimal, bool)
}

// CycleRecorder appends to the evolution audit log.
type CycleRecorder interface {
	AppendCycle(ctx context.Context, cycle store.EvolutionCycle) error
}

// Config controls selection.
type Config struct {
	Interval         time.Duration
	SurvivalRate     float64 // share of the ranked population replaced per cycle
	GeneratorTimeout time.Duration
}

// Slot is capital freed by a retirement and not yet assigned to a
// replacement.
type Slot struct {
	ID       string
	Retiree  strategy.Retirement
	Attempts int
}

// Scheduler owns the evolution cadence and the pending slots.
type Scheduler struct {
	cfg       Config
	registry  *component.Registry
	machine   *lifecycle.Machine
	ledger    Ledger
	fitness   FitnessSource
	generator strategy.Generator
	recorder  CycleRecorder
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	// cycleMu serializes cycles; mu guards the fields below and is never held
	// across generator calls.
	cycleMu    sync.Mutex
	mu         sync.Mutex
	lastRun    time.Time
	generation int
	pending    []Slot
	history    []strategy.Retirement
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithIDGenerator overrides uuid generation for cycle and slot ids.
func WithIDGenerator(newID func() string) Option { return func(s *Scheduler) { s.newID = newID } }

// WithRecorder sets the audit log sink.
func WithRecorder(r CycleRecorder) Option { return func(s *Scheduler) { s.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// NewScheduler creates a scheduler. The first cycle becomes due one interval
// after construction.
func NewScheduler(cfg Config, registry *component.Registry, machine *lifecycle.Machine, ledger Ledger,
	fitness FitnessSource, generator strategy.Generator, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		registry:  registry,
		machine:   machine,
		ledger:    ledger,
		fitness:   fitness,
		generator: generator,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastRun = s.now()
	return s
}

// Due reports whether the interval has elapsed since the last cycle.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.lastRun.Add(s.cfg.Interval))
}

// Generation returns the number of completed cycles.
func (s *Scheduler) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Pending returns the slots still waiting for a replacement.
func (s *Scheduler) Pending() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Slot(nil), s.pending...)
}

// RetireCount returns how many of n ranked components a cycle retires.
func RetireCount(n int, survivalRate float64) int {
	if n <= 0 || survivalRate <= 0 {
		return 0
	}
	k := int(math.Floor(float64(n)*survivalRate + 1e-9))
	if k > n {
		k = n
	}
	return k
}

type ranked struct {
	c       component.Component
	fitness float64
}

// rank orders components best first: higher fitness, then earlier creation,
// then id.
func rank(entries []ranked) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.fitness != b.fitness {
			return a.fitness > b.fitness
		}
		if !a.c.CreatedAt.Equal(b.c.CreatedAt) {
			return a.c.CreatedAt.Before(b.c.CreatedAt)
		}
		return a.c.ID < b.c.ID
	})
}

// RunCycle executes one selection round and records it. Per-component
// problems are logged and skipped; the returned error only reports a failure
// to persist the cycle record.
func (s *Scheduler) RunCycle(ctx context.Context) (store.EvolutionCycle, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	now := s.now()
	s.mu.Lock()
	s.lastRun = now
	s.generation++
	generation := s.generation
	carried := append([]Slot(nil), s.pending...)
	s.mu.Unlock()

	cycle := store.EvolutionCycle{
		ID:         s.newID(),
		Time:       now,
		Generation: generation,
		Survivors:  []string{},
		Retired:    []string{},
		Spawned:    []string{},
		Pending:    []string{},
		Exempt:     []string{},
		Fitness:    make(map[string]float64),
	}
	log := s.logger.With(zap.String("cycle_id", cycle.ID), zap.Int("generation", generation))

	// Slots left over from earlier cycles are served first.
	var pending []Slot
	for _, slot := range carried {
		if kept, ok := s.fill(ctx, log, slot, &cycle); ok {
			pending = append(pending, kept)
		}
	}

	var candidates []ranked
	for _, c := range s.registry.List(component.Filter{Status: component.StatusActive}) {
		f, err := s.fitness.Fitness(c.ID)
		if err != nil {
			if !errors.Is(err, metrics.ErrInsufficientData) {
				log.Warn("Fitness unavailable", zap.String("component_id", c.ID), zap.Error(err))
			}
			cycle.Exempt = append(cycle.Exempt, c.ID)
			continue
		}
		cycle.Fitness[c.ID] = f
		candidates = append(candidates, ranked{c: c, fitness: f})
	}
	rank(candidates)

	k := RetireCount(len(candidates), s.cfg.SurvivalRate)
	cut := len(candidates) - k
	for _, r := range candidates[:cut] {
		cycle.Survivors = append(cycle.Survivors, r.c.ID)
	}
	for _, r := range candidates[cut:] {
		slot, ok := s.retire(ctx, log, r)
		if !ok {
			cycle.Survivors = append(cycle.Survivors, r.c.ID)
			continue
		}
		cycle.Retired = append(cycle.Retired, r.c.ID)
		if kept, ok := s.fill(ctx, log, slot, &cycle); ok {
			pending = append(pending, kept)
		}
	}

	for _, slot := range pending {
		cycle.Pending = append(cycle.Pending, slot.ID)
	}
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()

	log.Info("Evolution cycle complete",
		zap.Int("ranked", len(candidates)),
		zap.Int("exempt", len(cycle.Exempt)),
		zap.Int("retired", len(cycle.Retired)),
		zap.Int("spawned", len(cycle.Spawned)),
		zap.Int("pending", len(cycle.Pending)))

	if s.recorder != nil {
		if err := s.recorder.AppendCycle(ctx, cycle); err != nil {
			return cycle, fmt.Errorf("record evolution cycle %s: %w", cycle.ID, err)
		}
	}
	return cycle, nil
}

// retire marks the component for replacement and parks its capital in a new
// slot. The status is re-validated by the transition itself, so a component
// that changed state since ranking is skipped.
func (s *Scheduler) retire(ctx context.Context, log *zap.Logger, r ranked) (Slot, bool) {
	res, err := s.machine.Transition(ctx, r.c.ID, lifecycle.EventMarkForReplacement,
		fmt.Sprintf("fitness %.6f in bottom share", r.fitness))
	if err != nil {
		log.Info("Skipping retirement, component changed state", zap.String("component_id", r.c.ID), zap.Error(err))
		return Slot{}, false
	}

	slotID := "slot-" + s.newID()
	amount, err := s.ledger.Transfer(r.c.ID, slotID)
	if err != nil {
		// Nothing to refill: finish the retirement directly.
		log.Error("Failed to park retired capital", zap.String("component_id", r.c.ID), zap.Error(err))
		s.finishRetirement(ctx, log, r.c.ID, "no capital to transfer")
		return Slot{}, false
	}
	if err := s.ledger.Suspend(slotID); err != nil {
		log.Warn("Failed to suspend slot capital", zap.String("slot_id", slotID), zap.Error(err))
	}

	retirement := strategy.Retirement{
		ID:         r.c.ID,
		Type:       r.c.Type,
		Spec:       res.Component.Spec.Clone(),
		Fitness:    r.fitness,
		Allocation: amount,
		RetiredAt:  s.now(),
	}
	s.mu.Lock()
	s.history = append([]strategy.Retirement{retirement}, s.history...)
	if len(s.history) > maxHistory {
		s.history = s.history[:maxHistory]
	}
	s.mu.Unlock()
	return Slot{ID: slotID, Retiree: retirement}, true
}

// finishRetirement terminates a retiree whose slot will never be refilled.
func (s *Scheduler) finishRetirement(ctx context.Context, log *zap.Logger, id, reason string) {
	if _, err := s.machine.Transition(ctx, id, lifecycle.EventReplacementReady, reason); err != nil {
		log.Error("Failed to terminate retiree", zap.String("component_id", id), zap.Error(err))
	}
}

// fill asks the generator for one replacement. On failure it returns the slot
// with ok set so it is kept for the next cycle with its capital still
// reserved.
func (s *Scheduler) fill(ctx context.Context, log *zap.Logger, slot Slot, cycle *store.EvolutionCycle) (Slot, bool) {
	log = log.With(zap.String("slot_id", slot.ID), zap.String("retiree_id", slot.Retiree.ID))

	budget, ok := s.ledger.Allocation(slot.ID)
	if !ok {
		log.Error("Slot has no capital, dropping it")
		s.finishRetirement(ctx, log, slot.Retiree.ID, "slot has no capital")
		return Slot{}, false
	}

	s.mu.Lock()
	history := make([]strategy.Retirement, 0, len(s.history)+1)
	history = append(history, slot.Retiree)
	for _, h := range s.history {
		if h.ID != slot.Retiree.ID {
			history = append(history, h)
		}
	}
	s.mu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GeneratorTimeout)
	spec, err := strategy.Await(gctx, func(ctx context.Context) (component.Spec, error) {
		return s.generator.Propose(ctx, budget, history)
	}, nil)
	cancel()
	if err != nil {
		slot.Attempts++
		log.Warn("Replacement proposal failed, slot stays reserved",
			zap.Int("attempts", slot.Attempts), zap.Error(err))
		return slot, true
	}

	id, err := s.registry.RegisterFromSlot(slot.Retiree.Type, slot.ID, spec)
	if err != nil {
		slot.Attempts++
		log.Error("Failed to register replacement", zap.Error(err))
		return slot, true
	}
	cycle.Spawned = append(cycle.Spawned, id)

	if _, err := s.machine.Transition(ctx, slot.Retiree.ID, lifecycle.EventReplacementReady, "replaced by "+id); err != nil {
		log.Warn("Retiree could not be terminated", zap.Error(err))
	}
	log.Info("Replacement registered", zap.String("component_id", id), zap.String("spec", spec.Name))
	return Slot{}, false
}
