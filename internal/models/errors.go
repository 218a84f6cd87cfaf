package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the pool, executor and listener. Callers match
// with errors.Is; wrapped messages carry the specifics.
var (
	// ErrNoCapacity: no healthy, unleased slot exists for the requested
	// target. Distinct from ErrTargetUnreachable by construction.
	ErrNoCapacity = errors.New("no slot capacity")

	// ErrTargetUnreachable: a slot failed its health check or an execute
	// call, and reconnection did not recover it in time.
	ErrTargetUnreachable = errors.New("target unreachable")

	// ErrTakeoverExpired: a takeover request saw no reply before the
	// suspension timeout.
	ErrTakeoverExpired = errors.New("takeover expired")

	// ErrJobTimeout: the job-level wall clock elapsed with participants
	// still active.
	ErrJobTimeout = errors.New("job timed out")

	// ErrResultExists: a JobResult for this job id was already persisted.
	ErrResultExists = errors.New("job result already written")

	ErrJobNotFound      = errors.New("job not found")
	ErrResultNotFound   = errors.New("job result not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTakeoverConflict = errors.New("takeover request already waiting for session")
)

// StepError wraps a malformed or failing decision-service response after the
// local retry budget is spent.
type StepError struct {
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("decision step failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
