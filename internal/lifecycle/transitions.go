// Package lifecycle owns every status change of a component. Transitions are
// table driven and applied through the registry's atomic update, so no reader
// ever observes a half-applied change.
package lifecycle

import (
	"fmt"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

// Event triggers a status transition.
type Event string

const (
	EventStartupSucceeded   Event = "startup_succeeded"
	EventStartupFailed      Event = "startup_failed"
	EventFault              Event = "fault"
	EventMarkForReplacement Event = "mark_for_replacement"
	EventPause              Event = "pause"
	EventResume             Event = "resume"
	EventRetry              Event = "retry"
	EventRetryExhausted     Event = "retry_exhausted"
	EventReplacementReady   Event = "replacement_ready"
)

var transitions = map[component.Status]map[Event]component.Status{
	component.StatusInitializing: {
		EventStartupSucceeded: component.StatusActive,
		EventStartupFailed:    component.StatusFailed,
	},
	component.StatusActive: {
		EventFault:              component.StatusFailed,
		EventMarkForReplacement: component.StatusEvolving,
		EventPause:              component.StatusPaused,
	},
	component.StatusPaused: {
		EventResume: component.StatusActive,
	},
	component.StatusFailed: {
		EventRetry:          component.StatusInitializing,
		EventRetryExhausted: component.StatusTerminated,
	},
	component.StatusEvolving: {
		EventReplacementReady: component.StatusTerminated,
	},
}

// Next returns the status reached from `from` on ev, or ErrInvalidTransition
// when the pair is not in the table.
func Next(from component.Status, ev Event) (component.Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", component.ErrInvalidTransition, ev, from)
}

// Allowed lists the events accepted in status s.
func Allowed(s component.Status) []Event {
	out := make([]Event, 0, len(transitions[s]))
	for ev := range transitions[s] {
		out = append(out, ev)
	}
	return out
}
