package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
)

// SeedEntry describes a group of identical components registered at startup.
type SeedEntry struct {
	Type       component.Type
	Count      int
	Allocation decimal.Decimal
	Spec       component.Spec
}

// Register admits a new component with its own capital. It starts on the
// next tick.
func (c *Controller) Register(ctx context.Context, typ component.Type, allocation decimal.Decimal, spec component.Spec) (component.Component, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	id, err := c.registry.Register(typ, allocation, spec)
	if err != nil {
		return component.Component{}, err
	}
	comp, err := c.registry.Get(id)
	if err != nil {
		return component.Component{}, err
	}
	c.persistOne(ctx, comp)
	c.logger.Info("Component registered",
		zap.String("component_id", id),
		zap.String("type", string(typ)),
		zap.String("allocation", allocation.String()))
	return comp, nil
}

// Get returns one component.
func (c *Controller) Get(id string) (component.Component, error) {
	return c.registry.Get(id)
}

// List returns the components matching f.
func (c *Controller) List(f component.Filter) []component.Component {
	return c.registry.List(f)
}

// Aggregates returns the windowed statistics of a component.
func (c *Controller) Aggregates(id string) (metrics.Aggregates, bool) {
	return c.collector.Aggregates(id)
}

// Remove deletes a Failed or Terminated component and frees its capital.
func (c *Controller) Remove(ctx context.Context, id string) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if err := c.registry.Remove(id); err != nil {
		return err
	}
	c.stopHandle(ctx, id)
	c.collector.Remove(id)
	delete(c.persisted, id)
	if err := c.store.DeleteComponent(ctx, id); err != nil {
		return fmt.Errorf("delete component %s: %w", id, err)
	}
	return nil
}

// Pause idles an Active component. Its capital stays reserved.
func (c *Controller) Pause(ctx context.Context, id string) (component.Component, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	res, err := c.machine.Pause(ctx, id)
	if err != nil {
		return component.Component{}, err
	}
	c.persistOne(ctx, res.Component)
	return res.Component, nil
}

// Resume returns a Paused component to Active.
func (c *Controller) Resume(ctx context.Context, id string) (component.Component, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	res, err := c.machine.Resume(ctx, id)
	if err != nil {
		return component.Component{}, err
	}
	if _, ok := c.handle(id); !ok {
		// The instance is gone (e.g. restored while paused): fault it so
		// recovery restarts it.
		c.fail(ctx, id, errors.New("no running instance after resume"), "resume")
		res.Component, _ = c.registry.Get(id)
	}
	c.persistOne(ctx, res.Component)
	return res.Component, nil
}

// Cycles returns the newest evolution cycles, newest first.
func (c *Controller) Cycles(ctx context.Context, limit int) ([]store.EvolutionCycle, error) {
	return c.store.ListCycles(ctx, limit)
}

// Seed registers the initial population. Entries that do not fit the ledger
// are skipped with a warning; the number of registered components is
// returned.
func (c *Controller) Seed(ctx context.Context, entries []SeedEntry) (int, error) {
	registered := 0
	var errs []error
	for _, e := range entries {
		for i := range e.Count {
			spec := e.Spec.Clone()
			if e.Count > 1 && spec.Name != "" {
				spec.Name = fmt.Sprintf("%s-%d", spec.Name, i+1)
			}
			if _, err := c.Register(ctx, e.Type, e.Allocation, spec); err != nil {
				c.logger.Warn("Seed component rejected", zap.String("type", string(e.Type)), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			registered++
		}
	}
	if registered == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return registered, nil
}

// Restore re-admits the persisted population after a restart. Live
// components re-reserve their capital and restart from Initializing.
// Components caught mid-replacement are closed out as Terminated since
// their pending slots did not survive the restart.
func (c *Controller) Restore(ctx context.Context) (int, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	saved, err := c.store.LoadComponents(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore components: %w", err)
	}
	restored := 0
	for _, comp := range saved {
		log := c.logger.With(zap.String("component_id", comp.ID), zap.String("status", string(comp.Status)))
		switch comp.Status {
		case component.StatusTerminated:
			continue
		case component.StatusEvolving:
			comp.Status = component.StatusTerminated
			comp.UpdatedAt = c.now()
			if err := c.store.UpsertComponent(ctx, comp); err != nil {
				log.Error("Failed to close out evolving component", zap.Error(err))
			}
			log.Info("Evolving component terminated on restore")
			continue
		}
		if err := c.registry.Adopt(comp); err != nil {
			log.Warn("Component could not be restored", zap.Error(err))
			continue
		}
		adopted, err := c.registry.Get(comp.ID)
		if err == nil {
			c.persistOne(ctx, adopted)
		}
		restored++
	}
	c.logger.Info("Population restored", zap.Int("restored", restored), zap.Int("persisted", len(saved)))
	return restored, nil
}

func (c *Controller) persistOne(ctx context.Context, comp component.Component) {
	if err := c.store.UpsertComponent(ctx, comp); err != nil {
		c.logger.Error("Failed to persist component", zap.String("component_id", comp.ID), zap.Error(err))
		return
	}
	c.persisted[comp.ID] = comp.UpdatedAt
}
