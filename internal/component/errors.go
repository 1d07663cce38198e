package component

import "errors"

var (
	// ErrNotFound is returned for an unknown component id.
	ErrNotFound = errors.New("component not found")
	// ErrInvalidTransition is returned when a status change violates the lifecycle contract.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrCapacityExceeded is returned when capital for a new component cannot be granted.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)
