package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/alert"
	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/store"
)

// DefaultRetryBudget is the number of restarts granted to a failed component.
const DefaultRetryBudget = 2

// Ledger is the part of the capital allocator the machine drives.
type Ledger interface {
	Suspend(id string) error
	Resume(id string) error
	Release(id string) decimal.Decimal
}

// EventRecorder persists the audit trail.
type EventRecorder interface {
	AppendEvent(ctx context.Context, event store.LifecycleEvent) error
}

// Result describes one committed transition.
type Result struct {
	Component component.Component
	From      component.Status
	Event     Event
}

// Option configures a Machine.
type Option func(*Machine)

// WithRetryBudget sets how many times a failed component is restarted.
func WithRetryBudget(n int) Option {
	return func(m *Machine) {
		if n >= 0 {
			m.retryBudget = n
		}
	}
}

// WithEventRecorder sets the audit sink.
func WithEventRecorder(r EventRecorder) Option { return func(m *Machine) { m.events = r } }

// WithNotifier sets the alert sink.
func WithNotifier(n alert.Notifier) Option { return func(m *Machine) { m.notifier = n } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithClock overrides time.Now for audit timestamps.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// Machine applies lifecycle events to registered components.
type Machine struct {
	registry    *component.Registry
	ledger      Ledger
	events      EventRecorder
	notifier    alert.Notifier
	logger      *zap.Logger
	retryBudget int
	now         func() time.Time
}

// NewMachine creates a Machine bound to a registry and its ledger.
func NewMachine(registry *component.Registry, ledger Ledger, opts ...Option) *Machine {
	m := &Machine{
		registry:    registry,
		ledger:      ledger,
		notifier:    alert.NewNoOpNotifier(),
		logger:      zap.NewNop(),
		retryBudget: DefaultRetryBudget,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RetryBudget returns the configured retry bound.
func (m *Machine) RetryBudget() int { return m.retryBudget }

// Transition applies ev to the component. reason is kept as LastError for
// failure events and in the audit record.
func (m *Machine) Transition(ctx context.Context, id string, ev Event, reason string) (Result, error) {
	return m.apply(ctx, id, func(component.Component) (Event, error) { return ev, nil }, reason)
}

// Activate marks a successfully started component Active.
func (m *Machine) Activate(ctx context.Context, id string) (Result, error) {
	return m.Transition(ctx, id, EventStartupSucceeded, "")
}

// Fail moves a component to Failed, choosing the startup or runtime failure
// event from its current status.
func (m *Machine) Fail(ctx context.Context, id string, cause error) (Result, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return m.apply(ctx, id, func(c component.Component) (Event, error) {
		switch c.Status {
		case component.StatusInitializing:
			return EventStartupFailed, nil
		case component.StatusActive:
			return EventFault, nil
		}
		return "", fmt.Errorf("%w: cannot fail component %s in status %s", component.ErrInvalidTransition, c.ID, c.Status)
	}, reason)
}

// Recover handles a Failed component: it restarts while retries remain and
// terminates it once the budget is spent.
func (m *Machine) Recover(ctx context.Context, id string) (Result, error) {
	return m.apply(ctx, id, func(c component.Component) (Event, error) {
		if c.Status != component.StatusFailed {
			return "", fmt.Errorf("%w: component %s is %s, not failed", component.ErrInvalidTransition, c.ID, c.Status)
		}
		if c.Retries < m.retryBudget {
			return EventRetry, nil
		}
		return EventRetryExhausted, nil
	}, "")
}

// Pause suspends an Active component on operator request.
func (m *Machine) Pause(ctx context.Context, id string) (Result, error) {
	return m.Transition(ctx, id, EventPause, "operator pause")
}

// Resume returns a Paused component to Active.
func (m *Machine) Resume(ctx context.Context, id string) (Result, error) {
	return m.Transition(ctx, id, EventResume, "operator resume")
}

func (m *Machine) apply(ctx context.Context, id string, choose func(component.Component) (Event, error), reason string) (Result, error) {
	var res Result
	c, err := m.registry.Update(id, func(c *component.Component) error {
		ev, err := choose(*c)
		if err != nil {
			return err
		}
		to, err := Next(c.Status, ev)
		if err != nil {
			return fmt.Errorf("component %s: %w", c.ID, err)
		}
		res.From, res.Event = c.Status, ev
		c.Status = to

		switch ev {
		case EventStartupSucceeded:
			c.ConsecutiveErrors = 0
		case EventStartupFailed, EventFault:
			c.LastError = reason
		case EventRetry:
			c.Retries++
			c.ConsecutiveErrors = 0
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, component.ErrNotFound) {
			m.logger.Warn("Rejected lifecycle transition", zap.String("component_id", id), zap.Error(err))
		}
		return Result{}, err
	}
	res.Component = c
	m.afterCommit(ctx, res, reason)
	return res, nil
}

// afterCommit runs the capital and audit side effects of a committed change.
func (m *Machine) afterCommit(ctx context.Context, res Result, reason string) {
	c := res.Component
	log := m.logger.With(
		zap.String("component_id", c.ID),
		zap.String("event", string(res.Event)),
		zap.String("from", string(res.From)),
		zap.String("to", string(c.Status)),
	)

	switch c.Status {
	case component.StatusFailed:
		if err := m.ledger.Suspend(c.ID); err != nil {
			log.Warn("Failed to suspend capital", zap.Error(err))
		}
		log.Warn("Component failed", zap.String("reason", reason))
		m.notify(fmt.Sprintf("component %s (%s) failed: %s", c.ID, c.Type, reason))
	case component.StatusTerminated:
		released := m.ledger.Release(c.ID)
		log.Info("Component terminated", zap.String("released", released.String()))
		if res.Event == EventRetryExhausted {
			m.notify(fmt.Sprintf("component %s (%s) terminated after %d retries, released %s",
				c.ID, c.Type, c.Retries, released.StringFixed(2)))
		}
	default:
		if res.Event == EventRetry || res.Event == EventResume {
			if err := m.ledger.Resume(c.ID); err != nil {
				log.Warn("Failed to resume capital", zap.Error(err))
			}
		}
		if res.Event == EventPause {
			if err := m.ledger.Suspend(c.ID); err != nil {
				log.Warn("Failed to suspend capital", zap.Error(err))
			}
		}
		log.Debug("Component transitioned")
	}

	if m.events == nil {
		return
	}
	if reason == "" && res.Event == EventRetryExhausted {
		reason = fmt.Sprintf("retry budget %d exhausted", m.retryBudget)
	}
	record := store.LifecycleEvent{
		ID:          uuid.New().String(),
		ComponentID: c.ID,
		Time:        m.now(),
		Event:       string(res.Event),
		From:        res.From,
		To:          c.Status,
		Reason:      reason,
	}
	if err := m.events.AppendEvent(ctx, record); err != nil {
		log.Error("Failed to record lifecycle event", zap.Error(err))
	}
}

func (m *Machine) notify(msg string) {
	if err := m.notifier.Send(msg); err != nil {
		m.logger.Debug("Notifier rejected message", zap.Error(err))
	}
}
