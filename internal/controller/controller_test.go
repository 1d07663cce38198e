package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/capital"
	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/dbwriter"
	"github.com/your-org/strategy-ecosystem/internal/evolution"
	"github.com/your-org/strategy-ecosystem/internal/lifecycle"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeHandle replays queued samples. A non-nil err is returned by every poll.
// A non-nil hang blocks Poll until it is closed, whatever the context says.
type fakeHandle struct {
	mu      sync.Mutex
	queue   []float64
	err     error
	hang    chan struct{}
	polls   int
	stopped bool
	now     func() time.Time
}

func (h *fakeHandle) Poll(ctx context.Context) (metrics.Sample, bool, error) {
	h.mu.Lock()
	h.polls++
	hang := h.hang
	h.mu.Unlock()
	if hang != nil {
		<-hang
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return metrics.Sample{}, false, h.err
	}
	if len(h.queue) == 0 {
		return metrics.Sample{}, false, nil
	}
	r := h.queue[0]
	h.queue = h.queue[1:]
	return metrics.Sample{Time: h.now(), Return: r}, true, nil
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

func (h *fakeHandle) push(returns ...float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, returns...)
}

func (h *fakeHandle) pollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// fakeCapability hands out one handle per spec name. Names listed in
// failing refuse to start; names in hanging block Start until released.
type fakeCapability struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	failing map[string]bool
	hanging map[string]chan struct{}
	starts  int
	now     func() time.Time
}

func (f *fakeCapability) Start(ctx context.Context, spec component.Spec) (strategy.Handle, error) {
	f.mu.Lock()
	hang := f.hanging[spec.Name]
	f.mu.Unlock()
	if hang != nil {
		<-hang
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failing[spec.Name] {
		return nil, errors.New("exchange rejected credentials")
	}
	h := &fakeHandle{now: f.now}
	f.handles[spec.Name] = h
	return h, nil
}

func (f *fakeCapability) handle(name string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[name]
}

type childGenerator struct{ n int }

func (g *childGenerator) Propose(ctx context.Context, budget decimal.Decimal, history []strategy.Retirement) (component.Spec, error) {
	g.n++
	return component.Spec{Name: fmt.Sprintf("child-%d", g.n), Generation: history[0].Spec.Generation + 1, ParentID: history[0].ID}, nil
}

type harness struct {
	mu         sync.Mutex
	now        time.Time
	ids        int
	ledger     *capital.Allocator
	registry   *component.Registry
	collector  *metrics.Collector
	scheduler  *evolution.Scheduler
	store      *store.MemoryStore
	writer     *dbwriter.InMemWriter
	capability *fakeCapability
	ctrl       *Controller
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) nextID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids++
	return fmt.Sprintf("c%02d", h.ids)
}

func newHarness(t *testing.T, cfg Config, st *store.MemoryStore) *harness {
	t.Helper()
	h := &harness{now: t0}
	if st == nil {
		st = store.NewMemoryStore()
	}
	h.store = st
	h.writer = dbwriter.NewInMemWriter()
	h.ledger = capital.NewAllocator(capital.Config{
		TotalCapital:     decimal.NewFromInt(10000),
		MaxPositionSize:  0.5,
		MaxDrawdownLimit: 0.1,
	})
	h.registry = component.NewRegistry(h.ledger, component.WithClock(h.clock), component.WithIDGenerator(h.nextID))
	h.collector = metrics.NewCollector(metrics.Config{Period: 24 * time.Hour, Capacity: 64, MinSamples: 2})
	machine := lifecycle.NewMachine(h.registry, h.ledger,
		lifecycle.WithRetryBudget(2),
		lifecycle.WithEventRecorder(st),
		lifecycle.WithClock(h.clock),
		lifecycle.WithLogger(zap.NewNop()))
	h.scheduler = evolution.NewScheduler(
		evolution.Config{Interval: time.Hour, SurvivalRate: 0.2, GeneratorTimeout: time.Second},
		h.registry, machine, h.ledger, h.collector, &childGenerator{},
		evolution.WithClock(h.clock),
		evolution.WithIDGenerator(h.nextID),
		evolution.WithRecorder(st),
		evolution.WithLogger(zap.NewNop()))
	h.capability = &fakeCapability{
		handles: map[string]*fakeHandle{},
		failing: map[string]bool{},
		hanging: map[string]chan struct{}{},
		now:     h.clock,
	}

	ctrl, err := New(cfg, Deps{
		Registry:  h.registry,
		Ledger:    h.ledger,
		Metrics:   h.collector,
		Machine:   machine,
		Evolution: h.scheduler,
		Catalog:   strategy.NewCatalog(h.capability),
		Store:     st,
		Writer:    h.writer,
		Logger:    zap.NewNop(),
		Clock:     h.clock,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) register(t *testing.T, name string, amount int64) component.Component {
	t.Helper()
	c, err := h.ctrl.Register(context.Background(), component.TypeGenerator, decimal.NewFromInt(amount), component.Spec{Name: name})
	require.NoError(t, err)
	return c
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.advance(time.Minute)
	require.NoError(t, h.ctrl.Tick(context.Background()))
}

func (h *harness) status(t *testing.T, id string) component.Component {
	t.Helper()
	c, err := h.ctrl.Get(id)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestTick_ActivatesAndIngests(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.register(t, "alpha", 1000)
	assert.Equal(t, component.StatusInitializing, c.Status)

	h.tick(t)
	assert.Equal(t, component.StatusActive, h.status(t, c.ID).Status)

	h.capability.handle("alpha").push(0.01, 0.02)
	h.tick(t)

	agg, ok := h.ctrl.Aggregates(c.ID)
	require.True(t, ok)
	assert.Equal(t, 2, agg.Count)
	assert.InDelta(t, 0.03, agg.CumulativeReturn, 1e-9)

	samples := h.writer.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, c.ID, samples[0].ComponentID)
	assert.True(t, samples[1].PnL.Equal(decimal.NewFromInt(20)), "pnl is allocation times return")
	assert.Len(t, h.writer.TickSummaries(), 2)
}

func TestTick_StartupFailureRetriesThenTerminates(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.capability.failing["broken"] = true
	c := h.register(t, "broken", 1000)

	// Each tick fails the launch and recovers; the third failure exhausts a
	// budget of two retries.
	h.tick(t)
	got := h.status(t, c.ID)
	assert.Equal(t, component.StatusInitializing, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.LastError, "exchange rejected credentials")

	h.tick(t)
	assert.Equal(t, 2, h.status(t, c.ID).Retries)

	h.tick(t)
	assert.Equal(t, component.StatusTerminated, h.status(t, c.ID).Status)
	assert.True(t, h.ledger.Allocated().IsZero(), "terminated capital returns to the pool")
	assert.Equal(t, 3, h.capability.starts)

	var exhausted bool
	for _, ev := range h.store.Events() {
		if ev.ComponentID == c.ID && ev.Event == string(lifecycle.EventRetryExhausted) {
			exhausted = true
		}
	}
	assert.True(t, exhausted)
}

func TestTick_DrawdownBreachFailsComponent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.register(t, "risky", 1000)
	h.tick(t)
	handle := h.capability.handle("risky")
	require.NotNil(t, handle)

	// +50 then -150: 150 below the peak against a limit of 100.
	handle.push(0.05, -0.15)
	h.tick(t)

	got := h.status(t, c.ID)
	assert.Equal(t, component.StatusInitializing, got.Status, "failed then retried in the same tick")
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, "drawdown limit breached", got.LastError)
	assert.True(t, handle.isStopped())
	assert.False(t, h.ledger.DrawdownBreach(c.ID), "retry starts a fresh drawdown baseline")

	amount, ok := h.ledger.Allocation(c.ID)
	require.True(t, ok)
	assert.True(t, amount.Equal(decimal.NewFromInt(1000)), "capital is held, not forfeited")
}

func TestTick_ErrorThresholdFailsComponent(t *testing.T) {
	h := newHarness(t, Config{ErrorThreshold: 3}, nil)
	c := h.register(t, "flaky", 1000)
	h.tick(t)
	h.capability.handle("flaky").mu.Lock()
	h.capability.handle("flaky").err = errors.New("venue timeout")
	h.capability.handle("flaky").mu.Unlock()

	h.tick(t)
	h.tick(t)
	got := h.status(t, c.ID)
	assert.Equal(t, component.StatusActive, got.Status)
	assert.Equal(t, 2, got.ConsecutiveErrors)

	h.tick(t)
	got = h.status(t, c.ID)
	assert.Equal(t, component.StatusInitializing, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.LastError, "3 consecutive errors")
}

func TestTick_SuccessfulPollResetsErrorCount(t *testing.T) {
	h := newHarness(t, Config{ErrorThreshold: 3}, nil)
	c := h.register(t, "flaky", 1000)
	h.tick(t)
	handle := h.capability.handle("flaky")

	handle.mu.Lock()
	handle.err = errors.New("venue timeout")
	handle.mu.Unlock()
	h.tick(t)
	h.tick(t)
	require.Equal(t, 2, h.status(t, c.ID).ConsecutiveErrors)

	handle.mu.Lock()
	handle.err = nil
	handle.mu.Unlock()
	h.tick(t)
	assert.Equal(t, 0, h.status(t, c.ID).ConsecutiveErrors)
	assert.Equal(t, component.StatusActive, h.status(t, c.ID).Status)
}

func TestTick_UnresponsiveHandleDoesNotStallTick(t *testing.T) {
	h := newHarness(t, Config{ErrorThreshold: 2, CollaboratorTimeout: 30 * time.Millisecond}, nil)
	stuck := h.register(t, "stuck", 1000)
	healthy := h.register(t, "healthy", 1000)
	h.tick(t)

	release := make(chan struct{})
	defer close(release)
	handle := h.capability.handle("stuck")
	handle.mu.Lock()
	handle.hang = release
	handle.mu.Unlock()
	h.capability.handle("healthy").push(0.01)

	started := time.Now()
	h.tick(t)
	assert.Less(t, time.Since(started), time.Second)

	got := h.status(t, stuck.ID)
	assert.Equal(t, component.StatusActive, got.Status)
	assert.Equal(t, 1, got.ConsecutiveErrors)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
	agg, ok := h.ctrl.Aggregates(healthy.ID)
	require.True(t, ok)
	assert.Equal(t, 1, agg.Count)

	// The abandoned call is still running, so the handle is not polled again
	// and the second miss reaches the threshold.
	started = time.Now()
	h.tick(t)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 1, handle.pollCount())
	got = h.status(t, stuck.ID)
	assert.Equal(t, component.StatusInitializing, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.LastError, "2 consecutive errors")
	assert.True(t, handle.isStopped())
}

func TestTick_UnresponsiveStartIsAbandoned(t *testing.T) {
	h := newHarness(t, Config{CollaboratorTimeout: 30 * time.Millisecond}, nil)
	release := make(chan struct{})
	h.capability.mu.Lock()
	h.capability.hanging["slow"] = release
	h.capability.mu.Unlock()
	c := h.register(t, "slow", 1000)

	started := time.Now()
	h.tick(t)
	assert.Less(t, time.Since(started), time.Second)
	got := h.status(t, c.ID)
	assert.Equal(t, component.StatusInitializing, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())

	// A Start that returns after the timeout has its handle stopped.
	close(release)
	require.Eventually(t, func() bool {
		hd := h.capability.handle("slow")
		return hd != nil && hd.isStopped()
	}, time.Second, 5*time.Millisecond)
}

func TestTick_RunsEvolutionWhenDue(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	returns := map[string]float64{"a": 0.01, "b": 0.02, "c": -0.01, "d": 0.03, "e": 0.015}
	ids := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ids[name] = h.register(t, name, 1000).ID
	}
	h.tick(t)
	for name, r := range returns {
		h.capability.handle(name).push(r, r)
	}
	h.tick(t)
	require.Empty(t, mustCycles(t, h))

	h.advance(time.Hour)
	h.tick(t)

	cycles := mustCycles(t, h)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{ids["c"]}, cycles[0].Retired)
	require.Len(t, cycles[0].Spawned, 1)

	assert.Equal(t, component.StatusTerminated, h.status(t, ids["c"]).Status)
	assert.True(t, h.capability.handle("c").isStopped())
	child := h.status(t, cycles[0].Spawned[0])
	assert.Equal(t, component.StatusInitializing, child.Status)
	assert.Equal(t, ids["c"], child.Spec.ParentID)
	assert.True(t, child.Allocation.Equal(decimal.NewFromInt(1000)))
	assert.True(t, h.ledger.Allocated().Equal(decimal.NewFromInt(5000)), "selection conserves capital")

	h.tick(t)
	assert.Equal(t, component.StatusActive, h.status(t, child.ID).Status)
	assert.NoError(t, h.ctrl.Err())
}

func mustCycles(t *testing.T, h *harness) []store.EvolutionCycle {
	t.Helper()
	cycles, err := h.ctrl.Cycles(context.Background(), 10)
	require.NoError(t, err)
	return cycles
}

func TestTick_LedgerInconsistencyHalts(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.register(t, "alpha", 1000)
	require.NoError(t, h.ledger.Reserve("rogue", decimal.NewFromInt(100)))

	err := h.ctrl.Tick(context.Background())
	require.ErrorIs(t, err, ErrLedgerInconsistent)
	assert.Contains(t, err.Error(), "rogue")
	assert.ErrorIs(t, h.ctrl.Err(), ErrLedgerInconsistent)
	assert.ErrorIs(t, h.ctrl.Tick(context.Background()), ErrLedgerInconsistent, "a halted controller stays halted")
	assert.Contains(t, h.ctrl.Status().Error, "ledger inconsistent")
}

func TestStart_FatalErrorClosesDone(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, h.ledger.Reserve("rogue", decimal.NewFromInt(100)))

	require.NoError(t, h.ctrl.Start(context.Background()))
	select {
	case <-h.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not halt")
	}
	assert.ErrorIs(t, h.ctrl.Err(), ErrLedgerInconsistent)
	require.NoError(t, h.ctrl.Stop(context.Background()))
}

func TestStartStop_IdempotentAndGraceful(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, nil)
	h.register(t, "alpha", 1000)

	assert.Nil(t, h.ctrl.Done())
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.True(t, h.ctrl.Running())

	require.Eventually(t, func() bool {
		return h.capability.handle("alpha") != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Stop(context.Background()))
	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.False(t, h.ctrl.Running())
	assert.True(t, h.capability.handle("alpha").isStopped())
	assert.NotEmpty(t, h.store.Snapshots(), "stop writes a final ledger snapshot")
}

func TestStart_ParentContextEndsLoop(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.ctrl.Start(ctx))
	cancel()
	select {
	case <-h.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop ignored parent cancellation")
	}
	require.NoError(t, h.ctrl.Stop(context.Background()))
}

func TestOperator_PauseResumeRemove(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.register(t, "alpha", 1000)
	h.tick(t)
	handle := h.capability.handle("alpha")

	paused, err := h.ctrl.Pause(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, component.StatusPaused, paused.Status)
	assert.True(t, h.ledger.Snapshot().Held.Equal(decimal.NewFromInt(1000)))

	polls := handle.pollCount()
	h.tick(t)
	assert.Equal(t, polls, handle.pollCount(), "paused components are not polled")

	_, err = h.ctrl.Pause(context.Background(), c.ID)
	assert.ErrorIs(t, err, component.ErrInvalidTransition)

	resumed, err := h.ctrl.Resume(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, component.StatusActive, resumed.Status)
	assert.True(t, h.ledger.Snapshot().Held.IsZero())

	assert.ErrorIs(t, h.ctrl.Remove(context.Background(), c.ID), component.ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.Remove(context.Background(), "missing"), component.ErrNotFound)
}

func TestOperator_RegisterRejectsOverCapacity(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.register(t, "a", 5000)
	h.register(t, "b", 5000)

	_, err := h.ctrl.Register(context.Background(), component.TypeGenerator, decimal.NewFromInt(1), component.Spec{})
	assert.ErrorIs(t, err, component.ErrCapacityExceeded)
	assert.ErrorIs(t, err, capital.ErrCapitalExceeded)
	assert.Equal(t, 2, h.registry.Len())
}

func TestStatus_Counts(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.capability.failing["bad"] = true
	h.register(t, "good", 2000)
	bad := h.register(t, "bad", 1000)
	h.tick(t)

	s := h.ctrl.Status()
	assert.Equal(t, 2, s.Components)
	assert.Equal(t, 1, s.Counts[component.StatusActive])
	assert.Equal(t, 1, s.Counts[component.StatusInitializing])
	assert.True(t, s.Allocated.Equal(decimal.NewFromInt(3000)))
	assert.True(t, s.Free.Equal(decimal.NewFromInt(7000)))
	assert.InDelta(t, 0.3, s.Utilization, 1e-9)
	assert.Equal(t, 1, s.Ticks)
	assert.Equal(t, 1, h.status(t, bad.ID).Retries)
}

func TestSeed_RegistersPopulation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	n, err := h.ctrl.Seed(context.Background(), []SeedEntry{
		{Type: component.TypeGenerator, Count: 3, Allocation: decimal.NewFromInt(1000), Spec: component.Spec{Name: "momentum"}},
		{Type: component.TypeRiskManager, Count: 1, Allocation: decimal.NewFromInt(500), Spec: component.Spec{Name: "guard"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var names []string
	for _, c := range h.ctrl.List(component.Filter{Type: component.TypeGenerator}) {
		names = append(names, c.Spec.Name)
	}
	assert.Equal(t, []string{"momentum-1", "momentum-2", "momentum-3"}, names)

	_, err = h.ctrl.Seed(context.Background(), []SeedEntry{
		{Type: component.TypeGenerator, Count: 1, Allocation: decimal.NewFromInt(9000)},
	})
	assert.ErrorIs(t, err, component.ErrCapacityExceeded)
}

func TestRestore_RebuildsLivePopulation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	saved := []component.Component{
		{ID: "live", Type: component.TypeGenerator, Status: component.StatusActive, CreatedAt: t0, Allocation: decimal.NewFromInt(1500), Spec: component.Spec{Name: "live"}},
		{ID: "paused", Type: component.TypeEvaluator, Status: component.StatusPaused, CreatedAt: t0, Allocation: decimal.NewFromInt(500), Spec: component.Spec{Name: "paused"}},
		{ID: "mid-swap", Type: component.TypeGenerator, Status: component.StatusEvolving, CreatedAt: t0, Allocation: decimal.NewFromInt(1000)},
		{ID: "gone", Type: component.TypeGenerator, Status: component.StatusTerminated, CreatedAt: t0, Allocation: decimal.NewFromInt(1000)},
	}
	for _, c := range saved {
		require.NoError(t, st.UpsertComponent(ctx, c))
	}

	h := newHarness(t, Config{}, st)
	n, err := h.ctrl.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.registry.Len())
	assert.Equal(t, component.StatusInitializing, h.status(t, "live").Status)
	assert.True(t, h.ledger.Allocated().Equal(decimal.NewFromInt(2000)))

	loaded, err := st.LoadComponents(ctx)
	require.NoError(t, err)
	for _, c := range loaded {
		if c.ID == "mid-swap" {
			assert.Equal(t, component.StatusTerminated, c.Status)
		}
	}

	h.tick(t)
	assert.Equal(t, component.StatusActive, h.status(t, "paused").Status)
}

func TestTick_PurgesTerminatedComponents(t *testing.T) {
	h := newHarness(t, Config{PurgeTerminated: true}, nil)
	h.capability.failing["broken"] = true
	h.register(t, "broken", 1000)
	h.register(t, "fine", 1000)

	for range 3 {
		h.tick(t)
	}
	assert.Equal(t, 1, h.registry.Len())
	loaded, err := h.store.LoadComponents(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "fine", loaded[0].Spec.Name)
}

func TestTick_PersistsChangedComponents(t *testing.T) {
	h := newHarness(t, Config{SnapshotEvery: 2}, nil)
	c := h.register(t, "alpha", 1000)
	h.tick(t)
	h.tick(t)

	loaded, err := h.store.LoadComponents(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, c.ID, loaded[0].ID)
	assert.Equal(t, component.StatusActive, loaded[0].Status)
	assert.Len(t, h.store.Snapshots(), 1)
}

func TestReconcile_DetectsOrphanedSlot(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.ledger.Reserve(slotPrefix+"stale", decimal.NewFromInt(100)))
	err := h.ctrl.reconcile()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "orphaned slot"))
}
