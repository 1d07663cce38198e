// Package component defines the strategy components managed by the
// controller and the registry that owns them.
package component

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies the role of a component in the ecosystem.
type Type string

const (
	TypeGenerator   Type = "strategy_generator"
	TypeEvaluator   Type = "strategy_evaluator"
	TypeDeployer    Type = "strategy_deployer"
	TypeRiskManager Type = "risk_manager"
	TypeDataFeeder  Type = "data_feeder"
)

// Types lists every component type in a stable order.
var Types = []Type{TypeGenerator, TypeEvaluator, TypeDeployer, TypeRiskManager, TypeDataFeeder}

// ParseType validates a type name.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown component type %q", s)
}

// Status is the lifecycle state of a component.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusFailed       Status = "failed"
	StatusEvolving     Status = "evolving"
	StatusTerminated   Status = "terminated"
)

// Statuses lists every status in a stable order.
var Statuses = []Status{StatusInitializing, StatusActive, StatusPaused, StatusFailed, StatusEvolving, StatusTerminated}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown component status %q", s)
}

// Spec is the parameterization a component was started with. Generators
// produce specs; capabilities consume them.
type Spec struct {
	Name       string             `json:"name"`
	Type       Type               `json:"type"`
	Params     map[string]float64 `json:"params,omitempty"`
	Generation int                `json:"generation"`
	ParentID   string             `json:"parent_id,omitempty"`
}

// Param returns a named parameter or the fallback when it is unset.
func (s Spec) Param(name string, fallback float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return fallback
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]float64, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Component is a snapshot of one running strategy instance. The registry hands
// out copies; mutation goes through Registry.Update.
type Component struct {
	ID                string          `json:"id"`
	Type              Type            `json:"type"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Allocation        decimal.Decimal `json:"allocation"`
	Spec              Spec            `json:"spec"`
	Retries           int             `json:"retries"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	LastError         string          `json:"last_error,omitempty"`
}

// String returns a short description of the component.
func (c Component) String() string {
	return fmt.Sprintf("Component{ID: %s, Type: %s, Status: %s, Allocation: %s}", c.ID, c.Type, c.Status, c.Allocation.StringFixed(2))
}

// Filter selects components by status and/or type. Zero fields match all.
type Filter struct {
	Status Status
	Type   Type
}

// Match reports whether c satisfies the filter.
func (f Filter) Match(c Component) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	return true
}
