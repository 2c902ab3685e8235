package models

import "errors"

// Sentinel errors shared across the orchestration core. Callers classify
// failures with errors.Is rather than string matching.
var (
	// ErrNotFound is returned when a job, step, or work item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleUpdate is returned when a work item update arrives for a row
	// whose current status does not allow the requested transition.
	ErrStaleUpdate = errors.New("stale work item update")

	// ErrCounterUnderflow is returned when a user_work counter would drop
	// below zero. The counter is clamped at zero before this is returned.
	ErrCounterUnderflow = errors.New("user work counter underflow")

	// ErrJobConflict is returned when an operation targets a job that has
	// already reached a terminal status.
	ErrJobConflict = errors.New("job is in a terminal state")

	// ErrQueueEmpty is returned by queue receives that found no visible
	// messages.
	ErrQueueEmpty = errors.New("no messages in queue")

	// ErrInvalidReceipt is returned when acknowledging a receipt that is
	// unknown or already deleted.
	ErrInvalidReceipt = errors.New("invalid or expired receipt")
)
