// Package controller drives the strategy ecosystem: a periodic tick launches,
// polls, fails, recovers and evolves components through the lifecycle
// machine, while every capital movement goes through the ledger.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/alert"
	"github.com/your-org/strategy-ecosystem/internal/capital"
	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/dbwriter"
	"github.com/your-org/strategy-ecosystem/internal/evolution"
	"github.com/your-org/strategy-ecosystem/internal/lifecycle"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
	"github.com/your-org/strategy-ecosystem/internal/telemetry"
)

// ErrLedgerInconsistent is fatal: the ledger no longer agrees with itself or
// with the registry, and the controller halts rather than trade on it.
var ErrLedgerInconsistent = errors.New("ledger inconsistent")

// Config holds the loop settings.
type Config struct {
	TickInterval        time.Duration
	CollaboratorTimeout time.Duration
	MaxConcurrency      int
	ErrorThreshold      int  // consecutive poll errors that fail a component
	PurgeTerminated     bool // drop terminated components from the registry
	SnapshotEvery       int  // ticks between ledger snapshots; 0 disables
	MaxSamplesPerPoll   int
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 2 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.MaxSamplesPerPoll <= 0 {
		c.MaxSamplesPerPoll = 64
	}
}

// Deps are the collaborators the controller orchestrates. Registry, Ledger,
// Metrics, Machine, Evolution, Catalog and Store are required.
type Deps struct {
	Registry  *component.Registry
	Ledger    *capital.Allocator
	Metrics   *metrics.Collector
	Machine   *lifecycle.Machine
	Evolution *evolution.Scheduler
	Catalog   *strategy.Catalog
	Store     store.Store

	Writer    dbwriter.DBWriter
	Telemetry *telemetry.Metrics
	Notifier  alert.Notifier
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Summary is the aggregate view returned by Status.
type Summary struct {
	Running      bool                     `json:"running"`
	Counts       map[component.Status]int `json:"counts"`
	Components   int                      `json:"components"`
	Total        decimal.Decimal          `json:"total_capital"`
	Allocated    decimal.Decimal          `json:"allocated_capital"`
	Held         decimal.Decimal          `json:"held_capital"`
	Free         decimal.Decimal          `json:"free_capital"`
	Utilization  float64                  `json:"utilization"`
	Generation   int                      `json:"generation"`
	PendingSlots int                      `json:"pending_slots"`
	Ticks        int                      `json:"ticks"`
	LastTick     time.Time                `json:"last_tick"`
	Error        string                   `json:"error,omitempty"`
}

// Controller is the meta-controller. It owns no capital or metrics state;
// it only holds the running handles of its components.
type Controller struct {
	cfg       Config
	registry  *component.Registry
	ledger    *capital.Allocator
	collector *metrics.Collector
	machine   *lifecycle.Machine
	evolution *evolution.Scheduler
	catalog   *strategy.Catalog
	store     store.Store
	writer    dbwriter.DBWriter
	telemetry *telemetry.Metrics
	notifier  alert.Notifier
	logger    *zap.Logger
	now       func() time.Time

	// tickMu serializes ticks and operator mutations so the reconciliation
	// never observes a half-registered component.
	tickMu    sync.Mutex
	ticks     int
	lastTick  time.Time
	persisted map[string]time.Time

	mu       sync.Mutex
	handles  map[string]strategy.Handle
	inflight map[string]bool
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
	fatalErr error
}

// New validates deps and builds a controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("controller: registry is required")
	case deps.Ledger == nil:
		return nil, errors.New("controller: ledger is required")
	case deps.Metrics == nil:
		return nil, errors.New("controller: metrics collector is required")
	case deps.Machine == nil:
		return nil, errors.New("controller: lifecycle machine is required")
	case deps.Evolution == nil:
		return nil, errors.New("controller: evolution scheduler is required")
	case deps.Catalog == nil:
		return nil, errors.New("controller: capability catalog is required")
	case deps.Store == nil:
		return nil, errors.New("controller: store is required")
	}
	cfg.setDefaults()

	c := &Controller{
		cfg:       cfg,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		collector: deps.Metrics,
		machine:   deps.Machine,
		evolution: deps.Evolution,
		catalog:   deps.Catalog,
		store:     deps.Store,
		writer:    deps.Writer,
		telemetry: deps.Telemetry,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		now:       deps.Clock,
		persisted: make(map[string]time.Time),
		handles:   make(map[string]strategy.Handle),
		inflight:  make(map[string]bool),
	}
	if c.notifier == nil {
		c.notifier = alert.NewNoOpNotifier()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// Start launches the control loop. Calling Start on a running controller is
// a no-op. A controller halted by a fatal error cannot be restarted.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.fatalErr != nil {
		return c.fatalErr
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	// Ticks outlive the caller's cancellation so in-flight work can finish;
	// the loop itself still exits when ctx is done.
	go c.loop(ctx, context.WithoutCancel(ctx), c.stopCh, c.done)
	c.logger.Info("Controller started", zap.Duration("tick_interval", c.cfg.TickInterval))
	return nil
}

func (c *Controller) loop(parent, tickCtx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-parent.Done():
			c.logger.Info("Controller context done, leaving loop")
			return
		case <-ticker.C:
			if err := c.Tick(tickCtx); err != nil && errors.Is(err, ErrLedgerInconsistent) {
				return
			}
		}
	}
}

// Stop ends the loop after the current tick completes, stops every running
// handle and writes a final ledger snapshot. It is safe to call repeatedly.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("controller stop: %w", ctx.Err())
	}

	c.tickMu.Lock()
	c.stopAllHandles(ctx)
	c.saveSnapshot(ctx)
	c.tickMu.Unlock()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.logger.Info("Controller stopped")
	return nil
}

// Done is closed when the loop exits, whether by Stop or by a fatal error.
// It returns nil before the first Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the fatal error that halted the loop, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Running reports whether Start was called without a matching Stop.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status summarizes the population and the ledger.
func (c *Controller) Status() Summary {
	snap := c.ledger.Snapshot()
	counts := c.registry.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}

	c.tickMu.Lock()
	ticks, last := c.ticks, c.lastTick
	c.tickMu.Unlock()

	s := Summary{
		Running:      c.Running(),
		Counts:       counts,
		Components:   total,
		Total:        snap.Total,
		Allocated:    snap.Allocated,
		Held:         snap.Held,
		Free:         snap.Free,
		Utilization:  snap.Utilization(),
		Generation:   c.evolution.Generation(),
		PendingSlots: len(c.evolution.Pending()),
		Ticks:        ticks,
		LastTick:     last,
	}
	if err := c.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func (c *Controller) handle(id string) (strategy.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	return h, ok
}

func (c *Controller) setHandle(id string, h strategy.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[id] = h
}

// stopHandle stops and forgets the running instance of id, if any.
func (c *Controller) stopHandle(ctx context.Context, id string) {
	c.mu.Lock()
	h, ok := c.handles[id]
	delete(c.handles, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.CollaboratorTimeout)
	defer cancel()
	_, err := strategy.Await(sctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Stop(ctx)
	}, nil)
	if err != nil {
		c.logger.Warn("Failed to stop component handle", zap.String("component_id", id), zap.Error(err))
	}
}

// stopLate stops a handle that never made it into the handle table.
func (c *Controller) stopLate(id string, h strategy.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CollaboratorTimeout)
	defer cancel()
	_, err := strategy.Await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.Stop(ctx)
	}, nil)
	if err != nil {
		c.logger.Warn("Failed to stop late-starting handle", zap.String("component_id", id), zap.Error(err))
	}
}

func (c *Controller) stopAllHandles(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.stopHandle(ctx, id)
	}
}

func (c *Controller) halt(err error) {
	c.mu.Lock()
	c.fatalErr = err
	c.mu.Unlock()
	c.logger.Error("Controller halted", zap.Error(err))
	_ = c.notifier.Send("controller halted: " + err.Error())
}
