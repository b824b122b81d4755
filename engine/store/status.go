package store

import "fmt"

// Status is the lifecycle state of a job or step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// legalTransitions is the job state machine. Terminal states have no
// outgoing transitions.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusValidating, StatusRunning, StatusCancelled, StatusFailed},
	StatusValidating: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusRunning, StatusCancelled, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// CanTransition reports whether the state machine permits from -> to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrIllegalTransition (wrapped with detail) when
// from -> to is not a legal job status transition.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
