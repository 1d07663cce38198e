// Package strategy defines the collaborator contracts of the controller: the
// generator that proposes new component specs and the capabilities that run
// them.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
)

var (
	// ErrGenerationUnavailable is returned when a generator cannot produce a
	// candidate right now. Callers keep the slot and retry later.
	ErrGenerationUnavailable = errors.New("generation unavailable")
	// ErrNoCapability is returned when no capability serves a component type.
	ErrNoCapability = errors.New("no capability for component type")
)

// Retirement describes a component removed by selection. Generators use the
// history to steer new proposals.
type Retirement struct {
	ID         string          `json:"id"`
	Type       component.Type  `json:"type"`
	Spec       component.Spec  `json:"spec"`
	Fitness    float64         `json:"fitness"`
	Allocation decimal.Decimal `json:"allocation"`
	RetiredAt  time.Time       `json:"retired_at"`
}

// Generator proposes a replacement spec sized to budget. history[0], when
// present, is the component whose slot is being refilled.
type Generator interface {
	Propose(ctx context.Context, budget decimal.Decimal, history []Retirement) (component.Spec, error)
}

// Handle is a running component instance.
type Handle interface {
	// Poll returns the next performance sample. ok is false when no new
	// sample is available yet.
	Poll(ctx context.Context) (sample metrics.Sample, ok bool, err error)
	Stop(ctx context.Context) error
}

// Capability starts component instances from a spec.
type Capability interface {
	Start(ctx context.Context, spec component.Spec) (Handle, error)
}

// Catalog resolves the capability for a component type.
type Catalog struct {
	byType   map[component.Type]Capability
	fallback Capability
}

// NewCatalog creates a catalog that serves every type with fallback unless a
// type-specific capability is registered. fallback may be nil.
func NewCatalog(fallback Capability) *Catalog {
	return &Catalog{byType: make(map[component.Type]Capability), fallback: fallback}
}

// Register binds typ to capability and returns the catalog for chaining.
func (c *Catalog) Register(typ component.Type, capability Capability) *Catalog {
	c.byType[typ] = capability
	return c
}

// For returns the capability serving typ.
func (c *Catalog) For(typ component.Type) (Capability, error) {
	if capability, ok := c.byType[typ]; ok {
		return capability, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCapability, typ)
}
