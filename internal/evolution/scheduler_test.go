package evolution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/strategy-ecosystem/internal/capital"
	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/lifecycle"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
)

// fitnessTable serves fixed scores; ids missing from the table have
// insufficient data.
type fitnessTable map[string]float64

func (f fitnessTable) Fitness(id string) (float64, error) {
	if v, ok := f[id]; ok {
		return v, nil
	}
	return 0, metrics.ErrInsufficientData
}

// scriptedGenerator fails while down is set and records every request. When
// hang is set, Propose announces itself on entered and then waits for hang to
// close without looking at its context.
type scriptedGenerator struct {
	mu      sync.Mutex
	down    bool
	block   bool
	hang    chan struct{}
	entered chan struct{}
	budgets []decimal.Decimal
	parents []string
}

func (g *scriptedGenerator) Propose(ctx context.Context, budget decimal.Decimal, history []strategy.Retirement) (component.Spec, error) {
	g.mu.Lock()
	down, block, hang, entered := g.down, g.block, g.hang, g.entered
	g.mu.Unlock()
	if hang != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-hang
		return component.Spec{}, strategy.ErrGenerationUnavailable
	}
	if block {
		<-ctx.Done()
		return component.Spec{}, fmt.Errorf("%w: %w", strategy.ErrGenerationUnavailable, ctx.Err())
	}
	if down {
		return component.Spec{}, strategy.ErrGenerationUnavailable
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budgets = append(g.budgets, budget)
	g.parents = append(g.parents, history[0].ID)
	return component.Spec{Name: "child-of-" + history[0].ID, Generation: history[0].Spec.Generation + 1}, nil
}

func (g *scriptedGenerator) set(down, block bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down, g.block = down, block
}

type harness struct {
	alloc     *capital.Allocator
	reg       *component.Registry
	machine   *lifecycle.Machine
	store     *store.MemoryStore
	fitness   fitnessTable
	generator *scriptedGenerator
	sched     *Scheduler
	clock     *time.Time
}

func newHarness(t *testing.T, survival float64) *harness {
	t.Helper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("id%02d", n)
	}

	alloc := capital.NewAllocator(capital.Config{TotalCapital: decimal.NewFromInt(100000), MaxPositionSize: 1})
	reg := component.NewRegistry(alloc, component.WithClock(clock), component.WithIDGenerator(ids))
	mem := store.NewMemoryStore()
	machine := lifecycle.NewMachine(reg, alloc, lifecycle.WithEventRecorder(mem))
	h := &harness{
		alloc:     alloc,
		reg:       reg,
		machine:   machine,
		store:     mem,
		fitness:   fitnessTable{},
		generator: &scriptedGenerator{},
		clock:     &now,
	}
	h.sched = NewScheduler(Config{
		Interval:         time.Hour,
		SurvivalRate:     survival,
		GeneratorTimeout: 20 * time.Millisecond,
	}, reg, machine, alloc, h.fitness, h.generator,
		WithClock(clock), WithIDGenerator(ids), WithRecorder(mem))
	return h
}

// active registers and activates a component with the given fitness. A nil
// fitness leaves it without enough data.
func (h *harness) active(t *testing.T, amount int64, fitness *float64) string {
	t.Helper()
	id, err := h.reg.Register(component.TypeEvaluator, decimal.NewFromInt(amount), component.Spec{Name: "s"})
	require.NoError(t, err)
	_, err = h.machine.Activate(context.Background(), id)
	require.NoError(t, err)
	if fitness != nil {
		h.fitness[id] = *fitness
	}
	return id
}

func f(v float64) *float64 { return &v }

func TestRetireCount(t *testing.T) {
	assert.Equal(t, 1, RetireCount(5, 0.2))
	assert.Equal(t, 0, RetireCount(4, 0.2))
	assert.Equal(t, 3, RetireCount(10, 0.3))
	assert.Equal(t, 0, RetireCount(0, 0.5))
	assert.Equal(t, 0, RetireCount(5, 0))
	assert.Equal(t, 5, RetireCount(5, 1))
}

func TestScheduler_RetiresLowestFitness(t *testing.T) {
	h := newHarness(t, 0.2)
	ids := make([]string, 5)
	for i, fit := range []float64{5, 4, 3, 2, 1} {
		ids[i] = h.active(t, 10000, f(fit))
	}

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{ids[4]}, cycle.Retired)
	assert.Equal(t, ids[:4], cycle.Survivors)
	require.Len(t, cycle.Spawned, 1)
	assert.Empty(t, cycle.Pending)
	assert.Equal(t, 1, cycle.Generation)

	retired, err := h.reg.Get(ids[4])
	require.NoError(t, err)
	assert.Equal(t, component.StatusTerminated, retired.Status)

	child, err := h.reg.Get(cycle.Spawned[0])
	require.NoError(t, err)
	assert.Equal(t, component.StatusInitializing, child.Status)
	assert.True(t, child.Allocation.Equal(decimal.NewFromInt(10000)), "replacement sized with freed capital")
	assert.Equal(t, "child-of-"+ids[4], child.Spec.Name)

	// Capital is conserved: the retiree's share moved to its replacement.
	assert.True(t, h.alloc.Allocated().Equal(decimal.NewFromInt(50000)))
	require.NoError(t, h.alloc.CheckInvariant())

	cycles, err := h.store.ListCycles(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, cycle.ID, cycles[0].ID)
}

func TestScheduler_TiesFavorOlderComponents(t *testing.T) {
	h := newHarness(t, 0.5)
	older := h.active(t, 1000, f(1))
	newer := h.active(t, 1000, f(1))

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{older}, cycle.Survivors)
	assert.Equal(t, []string{newer}, cycle.Retired)
}

func TestScheduler_Deterministic(t *testing.T) {
	run := func() store.EvolutionCycle {
		h := newHarness(t, 0.4)
		for _, fit := range []float64{0.3, -0.1, 0.3, 0.9, -0.5} {
			h.active(t, 2000, f(fit))
		}
		cycle, err := h.sched.RunCycle(context.Background())
		require.NoError(t, err)
		return cycle
	}
	assert.Equal(t, run(), run())
}

func TestScheduler_InsufficientDataIsExempt(t *testing.T) {
	h := newHarness(t, 0.5)
	fresh := h.active(t, 1000, nil)
	good := h.active(t, 1000, f(2))
	bad := h.active(t, 1000, f(-2))

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, cycle.Exempt)
	assert.Equal(t, []string{good}, cycle.Survivors)
	assert.Equal(t, []string{bad}, cycle.Retired)
	assert.NotContains(t, cycle.Fitness, fresh)

	c, err := h.reg.Get(fresh)
	require.NoError(t, err)
	assert.Equal(t, component.StatusActive, c.Status, "exempt components carry over unchanged")
}

func TestScheduler_OnlyActiveComponentsAreRanked(t *testing.T) {
	h := newHarness(t, 1)
	paused := h.active(t, 1000, f(-9))
	_, err := h.machine.Pause(context.Background(), paused)
	require.NoError(t, err)

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cycle.Retired)

	c, _ := h.reg.Get(paused)
	assert.Equal(t, component.StatusPaused, c.Status)
}

func TestScheduler_GeneratorTimeoutKeepsSlot(t *testing.T) {
	h := newHarness(t, 0.2)
	var ids []string
	for _, fit := range []float64{5, 4, 3, 2, 1} {
		ids = append(ids, h.active(t, 10000, f(fit)))
	}
	h.generator.set(false, true)

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ids[4]}, cycle.Retired)
	assert.Empty(t, cycle.Spawned)
	require.Len(t, cycle.Pending, 1)

	slotID := cycle.Pending[0]
	amount, ok := h.alloc.Allocation(slotID)
	require.True(t, ok, "freed capital stays reserved under the slot")
	assert.True(t, amount.Equal(decimal.NewFromInt(10000)))
	assert.True(t, h.alloc.Allocated().Equal(decimal.NewFromInt(50000)), "capital is never lost")

	retiree, _ := h.reg.Get(ids[4])
	assert.Equal(t, component.StatusEvolving, retiree.Status)
	require.Len(t, h.sched.Pending(), 1)
	assert.Equal(t, 1, h.sched.Pending()[0].Attempts)

	// The generator recovers; the next cycle fills the slot first.
	h.generator.set(false, false)
	delete(h.fitness, ids[3]) // keep the ranking from retiring anyone else
	delete(h.fitness, ids[2])
	delete(h.fitness, ids[1])
	delete(h.fitness, ids[0])

	cycle, err = h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, cycle.Spawned, 1)
	assert.Empty(t, cycle.Pending)
	assert.Empty(t, h.sched.Pending())

	_, ok = h.alloc.Allocation(slotID)
	assert.False(t, ok)
	child, err := h.reg.Get(cycle.Spawned[0])
	require.NoError(t, err)
	assert.True(t, child.Allocation.Equal(decimal.NewFromInt(10000)))

	retiree, _ = h.reg.Get(ids[4])
	assert.Equal(t, component.StatusTerminated, retiree.Status)
	assert.True(t, h.alloc.Allocated().Equal(decimal.NewFromInt(50000)))
	require.NoError(t, h.alloc.CheckInvariant())
}

func TestScheduler_GeneratorUnavailable(t *testing.T) {
	h := newHarness(t, 1)
	id := h.active(t, 3000, f(0))
	h.generator.set(true, false)

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, cycle.Retired)
	assert.Len(t, cycle.Pending, 1)
	assert.True(t, h.alloc.Allocated().Equal(decimal.NewFromInt(3000)))
}

func TestScheduler_Due(t *testing.T) {
	h := newHarness(t, 0.2)
	start := *h.clock
	assert.False(t, h.sched.Due(start.Add(30*time.Minute)))
	assert.True(t, h.sched.Due(start.Add(time.Hour)))

	_, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, h.sched.Due(start.Add(time.Hour)))
	assert.Equal(t, 1, h.sched.Generation())
}

func TestScheduler_GeneratorSeesRetireeFirst(t *testing.T) {
	h := newHarness(t, 0.5)
	h.active(t, 1000, f(3))
	h.active(t, 1000, f(2))
	low1 := h.active(t, 1000, f(1))
	low0 := h.active(t, 1000, f(0))

	_, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	// Worst first is not required, but each proposal names its own retiree.
	assert.ElementsMatch(t, []string{low1, low0}, h.generator.parents)
}

func (g *scriptedGenerator) hangUntil(release chan struct{}, entered chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hang, g.entered = release, entered
}

func TestScheduler_UnresponsiveGeneratorIsAbandoned(t *testing.T) {
	h := newHarness(t, 1)
	id := h.active(t, 3000, f(0))
	release := make(chan struct{})
	defer close(release)
	h.generator.hangUntil(release, nil)

	started := time.Now()
	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)

	assert.Equal(t, []string{id}, cycle.Retired)
	require.Len(t, cycle.Pending, 1)
	require.Len(t, h.sched.Pending(), 1)
	assert.Equal(t, 1, h.sched.Pending()[0].Attempts)
	retiree, _ := h.reg.Get(id)
	assert.Equal(t, component.StatusEvolving, retiree.Status)
}

func TestScheduler_StateReadableWhileProposing(t *testing.T) {
	h := newHarness(t, 1)
	h.sched.cfg.GeneratorTimeout = time.Minute
	h.active(t, 3000, f(0))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.generator.hangUntil(release, entered)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.sched.RunCycle(context.Background())
	}()
	<-entered

	read := make(chan int, 1)
	go func() {
		_ = h.sched.Pending()
		read <- h.sched.Generation()
	}()
	select {
	case gen := <-read:
		assert.Equal(t, 1, gen)
	case <-time.After(time.Second):
		t.Fatal("scheduler state blocked behind a generator call")
	}

	close(release)
	<-done
	assert.Len(t, h.sched.Pending(), 1)
}

func TestScheduler_SlotWithoutCapitalTerminatesRetiree(t *testing.T) {
	h := newHarness(t, 1)
	id := h.active(t, 3000, f(0))
	h.generator.set(true, false)

	cycle, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, cycle.Pending, 1)

	// The slot's capital disappears before the next cycle.
	h.alloc.Release(cycle.Pending[0])
	h.generator.set(false, false)
	delete(h.fitness, id)

	cycle, err = h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cycle.Spawned)
	assert.Empty(t, cycle.Pending)
	assert.Empty(t, h.sched.Pending())
	retiree, _ := h.reg.Get(id)
	assert.Equal(t, component.StatusTerminated, retiree.Status)
}
