package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/dbwriter"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
)

const slotPrefix = "slot-"

var errPollInFlight = errors.New("previous poll has not returned")

type pollResult struct {
	id      string
	samples []metrics.Sample
	err     error
}

// Tick runs one control-loop iteration. It returns an error wrapping
// ErrLedgerInconsistent when reconciliation fails; the controller is then
// halted and further ticks return the same error.
func (c *Controller) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if err := c.Err(); err != nil {
		return err
	}
	started := time.Now()
	now := c.now()

	c.launch(ctx)
	c.ingest(ctx, c.poll(ctx))
	c.recoverFailed(ctx)
	c.evolve(ctx, now)
	if n := c.collector.Expire(now); n > 0 {
		c.logger.Debug("Expired samples", zap.Int("count", n))
	}

	if err := c.reconcile(); err != nil {
		err = fmt.Errorf("%w: %w", ErrLedgerInconsistent, err)
		c.halt(err)
		return err
	}

	c.persist(ctx)
	c.ticks++
	c.lastTick = now
	if c.cfg.SnapshotEvery > 0 && c.ticks%c.cfg.SnapshotEvery == 0 {
		c.saveSnapshot(ctx)
	}
	c.summarize(ctx, now, time.Since(started))
	return nil
}

// launch starts every Initializing component and activates or fails it.
func (c *Controller) launch(ctx context.Context) {
	for _, comp := range c.registry.List(component.Filter{Status: component.StatusInitializing}) {
		log := c.logger.With(zap.String("component_id", comp.ID), zap.String("type", string(comp.Type)))

		capability, err := c.catalog.For(comp.Type)
		if err != nil {
			c.fail(ctx, comp.ID, err, "no_capability")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, c.cfg.CollaboratorTimeout)
		h, err := strategy.Await(sctx, func(ctx context.Context) (strategy.Handle, error) {
			return capability.Start(ctx, comp.Spec)
		}, func(late strategy.Handle) {
			c.stopLate(comp.ID, late)
		})
		cancel()
		if err != nil {
			log.Warn("Component failed to start", zap.Error(err))
			c.fail(ctx, comp.ID, fmt.Errorf("startup: %w", err), "startup")
			continue
		}
		if _, err := c.machine.Activate(ctx, comp.ID); err != nil {
			log.Warn("Started component could not be activated", zap.Error(err))
			c.stopLate(comp.ID, h)
			continue
		}
		c.setHandle(comp.ID, h)
		log.Info("Component activated", zap.String("name", comp.Spec.Name))
	}
}

// poll collects samples from every Active component concurrently. Each call
// is bounded by the collaborator timeout even when the handle ignores its
// context; a timed-out call is abandoned and reported as the poll error.
func (c *Controller) poll(ctx context.Context) []pollResult {
	active := c.registry.List(component.Filter{Status: component.StatusActive})
	results := make([]pollResult, len(active))

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, comp := range active {
		results[i].id = comp.ID
		h, ok := c.handle(comp.ID)
		if !ok {
			results[i].err = errors.New("component has no running instance")
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, c.cfg.CollaboratorTimeout)
			defer cancel()
			for range c.cfg.MaxSamplesPerPoll {
				sample, ok, err := c.pollOnce(pctx, comp.ID, h)
				if err != nil {
					results[i].err = err
					return nil
				}
				if !ok {
					return nil
				}
				results[i].samples = append(results[i].samples, sample)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type polled struct {
	sample metrics.Sample
	ok     bool
}

// pollOnce makes one Poll call. A handle whose previous call was abandoned
// and has not returned yet is not called again.
func (c *Controller) pollOnce(ctx context.Context, id string, h strategy.Handle) (metrics.Sample, bool, error) {
	c.mu.Lock()
	if c.inflight[id] {
		c.mu.Unlock()
		return metrics.Sample{}, false, errPollInFlight
	}
	c.inflight[id] = true
	c.mu.Unlock()

	p, err := strategy.Await(ctx, func(ctx context.Context) (polled, error) {
		defer c.clearInflight(id)
		sample, ok, err := h.Poll(ctx)
		return polled{sample: sample, ok: ok}, err
	}, nil)
	return p.sample, p.ok, err
}

func (c *Controller) clearInflight(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// ingest feeds samples to the collector and the ledger and applies the
// failure policies: error threshold and drawdown breach.
func (c *Controller) ingest(ctx context.Context, results []pollResult) {
	for _, r := range results {
		log := c.logger.With(zap.String("component_id", r.id))
		comp, err := c.registry.Get(r.id)
		if err != nil || comp.Status != component.StatusActive {
			continue
		}

		for _, s := range r.samples {
			if _, err := c.collector.Ingest(r.id, s); err != nil {
				log.Debug("Dropped sample", zap.Error(err))
				continue
			}
			pnl := comp.Allocation.Mul(decimal.NewFromFloat(s.Return))
			if err := c.ledger.RecordPnL(r.id, pnl); err != nil {
				log.Warn("Failed to record PnL", zap.Error(err))
			}
			if c.writer != nil {
				c.writer.SaveSample(dbwriter.Sample{
					Time:        s.Time,
					ComponentID: r.id,
					Type:        string(comp.Type),
					Return:      s.Return,
					PnL:         pnl,
				})
			}
		}

		if r.err != nil {
			if c.telemetry != nil {
				c.telemetry.IncPollError()
			}
			updated, uerr := c.registry.Update(r.id, func(cc *component.Component) error {
				cc.ConsecutiveErrors++
				cc.LastError = r.err.Error()
				return nil
			})
			if uerr != nil {
				continue
			}
			log.Warn("Component poll failed", zap.Int("consecutive_errors", updated.ConsecutiveErrors), zap.Error(r.err))
			if updated.ConsecutiveErrors >= c.cfg.ErrorThreshold {
				c.fail(ctx, r.id, fmt.Errorf("%d consecutive errors: %w", updated.ConsecutiveErrors, r.err), "error_threshold")
				continue
			}
		} else if comp.ConsecutiveErrors > 0 {
			_, _ = c.registry.Update(r.id, func(cc *component.Component) error {
				cc.ConsecutiveErrors = 0
				return nil
			})
		}

		if c.ledger.DrawdownBreach(r.id) {
			c.fail(ctx, r.id, errors.New("drawdown limit breached"), "drawdown")
		}
	}
}

// fail moves a component to Failed and stops its running instance.
func (c *Controller) fail(ctx context.Context, id string, cause error, reason string) {
	if _, err := c.machine.Fail(ctx, id, cause); err != nil {
		return
	}
	c.stopHandle(ctx, id)
	if c.telemetry != nil {
		c.telemetry.IncFailure(reason)
	}
}

// recoverFailed retries or terminates every Failed component.
func (c *Controller) recoverFailed(ctx context.Context) {
	for _, comp := range c.registry.List(component.Filter{Status: component.StatusFailed}) {
		res, err := c.machine.Recover(ctx, comp.ID)
		if err != nil {
			continue
		}
		c.stopHandle(ctx, comp.ID)
		switch res.Component.Status {
		case component.StatusTerminated:
			c.collector.Remove(comp.ID)
		case component.StatusInitializing:
			if err := c.ledger.ResetPnL(comp.ID); err != nil {
				c.logger.Warn("Failed to reset PnL on retry", zap.String("component_id", comp.ID), zap.Error(err))
			}
		}
	}
}

// evolve runs a selection cycle when one is due and cleans up after the
// retired components.
func (c *Controller) evolve(ctx context.Context, now time.Time) {
	if !c.evolution.Due(now) {
		return
	}
	cycle, err := c.evolution.RunCycle(ctx)
	if err != nil {
		c.logger.Error("Failed to record evolution cycle", zap.Error(err))
	}
	for _, id := range cycle.Retired {
		c.stopHandle(ctx, id)
		c.collector.Remove(id)
	}
	if c.telemetry != nil {
		c.telemetry.ObserveCycle(cycle)
	}
	if len(cycle.Retired) > 0 {
		_ = c.notifier.Send(fmt.Sprintf("generation %d: retired %d, spawned %d, pending %d",
			cycle.Generation, len(cycle.Retired), len(cycle.Spawned), len(cycle.Pending)))
	}
}

// reconcile cross-checks the ledger against the registry and the pending
// evolution slots.
func (c *Controller) reconcile() error {
	if err := c.ledger.CheckInvariant(); err != nil {
		return err
	}

	pending := make(map[string]bool)
	for _, s := range c.evolution.Pending() {
		pending[s.ID] = true
	}
	funded := make(map[string]decimal.Decimal)
	for _, comp := range c.registry.List(component.Filter{}) {
		switch comp.Status {
		case component.StatusTerminated, component.StatusEvolving:
			continue
		}
		funded[comp.ID] = comp.Allocation
	}

	seen := make(map[string]bool)
	for _, e := range c.ledger.Snapshot().Entries {
		seen[e.ID] = true
		if strings.HasPrefix(e.ID, slotPrefix) {
			if !pending[e.ID] {
				return fmt.Errorf("orphaned slot %s holds %s", e.ID, e.Amount.String())
			}
			continue
		}
		want, ok := funded[e.ID]
		if !ok {
			return fmt.Errorf("entry %s holds %s but no live component owns it", e.ID, e.Amount.String())
		}
		if !want.Equal(e.Amount) {
			return fmt.Errorf("component %s records allocation %s but ledger holds %s", e.ID, want.String(), e.Amount.String())
		}
	}
	for id, amount := range funded {
		if !seen[id] {
			return fmt.Errorf("component %s has allocation %s but no ledger entry", id, amount.String())
		}
	}
	for id := range pending {
		if !seen[id] {
			return fmt.Errorf("pending slot %s has no ledger entry", id)
		}
	}
	return nil
}

// persist writes every component changed since its last successful write.
// Terminated components are purged when configured.
func (c *Controller) persist(ctx context.Context) {
	for _, comp := range c.registry.List(component.Filter{}) {
		if last, ok := c.persisted[comp.ID]; !ok || comp.UpdatedAt.After(last) {
			if err := c.store.UpsertComponent(ctx, comp); err != nil {
				c.logger.Error("Failed to persist component", zap.String("component_id", comp.ID), zap.Error(err))
				continue
			}
			c.persisted[comp.ID] = comp.UpdatedAt
		}
		if c.cfg.PurgeTerminated && comp.Status == component.StatusTerminated {
			c.purge(ctx, comp.ID)
		}
	}
}

func (c *Controller) purge(ctx context.Context, id string) {
	if err := c.registry.Remove(id); err != nil {
		c.logger.Warn("Failed to purge component", zap.String("component_id", id), zap.Error(err))
		return
	}
	c.collector.Remove(id)
	delete(c.persisted, id)
	if err := c.store.DeleteComponent(ctx, id); err != nil {
		c.logger.Error("Failed to delete purged component", zap.String("component_id", id), zap.Error(err))
	}
}

func (c *Controller) saveSnapshot(ctx context.Context) {
	snap := store.LedgerSnapshot{Time: c.now(), Snapshot: c.ledger.Snapshot()}
	if err := c.store.SaveLedgerSnapshot(ctx, snap); err != nil {
		c.logger.Error("Failed to save ledger snapshot", zap.Error(err))
	}
}

func (c *Controller) summarize(ctx context.Context, now time.Time, took time.Duration) {
	counts := c.registry.Counts()
	snap := c.ledger.Snapshot()
	if c.telemetry != nil {
		c.telemetry.ObserveComponents(counts)
		c.telemetry.ObserveLedger(snap)
		c.telemetry.ObserveTick(took.Seconds())
	}
	if c.writer == nil {
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	summary := dbwriter.TickSummary{
		Time:        now,
		Components:  total,
		Active:      counts[component.StatusActive],
		Failed:      counts[component.StatusFailed],
		Allocated:   snap.Allocated,
		Utilization: snap.Utilization(),
		DurationMs:  float64(took.Microseconds()) / 1000,
	}
	if err := c.writer.SaveTickSummary(ctx, summary); err != nil {
		c.logger.Warn("Failed to save tick summary", zap.Error(err))
	}
}
