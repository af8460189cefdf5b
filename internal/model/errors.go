package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBatch marks a waypoint set that breaks the pickup-before-delivery
	// invariant. Valid flows never produce it; seeing one is a caller bug.
	ErrMalformedBatch = errors.New("malformed batch")
	// ErrInvalidTransition rejects an illegal status change; state is left as it was.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidSequence rejects a user supplied reorder.
	ErrInvalidSequence = errors.New("invalid sequence")
	// ErrOptimizationTimeout is logged when local search hits its iteration cap.
	// The best route found so far is still used.
	ErrOptimizationTimeout = errors.New("optimization iteration cap reached")
	// ErrDirectionsService is the class of all directions/ETA failures.
	ErrDirectionsService = errors.New("directions service error")

	ErrTooFewOrders      = errors.New("batch needs at least 2 orders")
	ErrBatchFull         = errors.New("batch is at capacity")
	ErrDeviationExceeded = errors.New("route deviation exceeds batch limit")
	ErrRetryExhausted    = errors.New("retry budget exhausted; manual intervention required")
	ErrBatchClosed       = errors.New("batch is closed")
	ErrUnknownOrder      = errors.New("order not in batch")
	ErrDuplicateOrder    = errors.New("order already in batch")
	ErrNotFound          = errors.New("not found")
	ErrBatchExists       = errors.New("batch already exists")
)

// DirectionsError wraps a failure of the directions/ETA collaborator.
type DirectionsError struct {
	Op  string
	Err error
}

func (e *DirectionsError) Error() string {
	return fmt.Sprintf("directions %s: %v", e.Op, e.Err)
}

func (e *DirectionsError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDirectionsService) match any DirectionsError.
func (e *DirectionsError) Is(target error) bool { return target == ErrDirectionsService }
