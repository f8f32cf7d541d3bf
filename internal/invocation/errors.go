package invocation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an invocation id is unknown or has expired.
	ErrNotFound = errors.New("invocation not found")

	// ErrInvalidState is returned for an illegal status transition.
	ErrInvalidState = errors.New("invalid invocation state")

	// ErrDuplicateID is returned when registering a record whose id is already present.
	ErrDuplicateID = errors.New("duplicate invocation id")

	// ErrNoOutput is returned when an invocation has no output to hand back.
	ErrNoOutput = errors.New("no output available for invocation")
)

// ActionExecutionError wraps an error returned (or a panic raised) by an
// action body. It is stored on the record and never re-raised to the caller
// that submitted the invocation.
type ActionExecutionError struct {
	Action string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, from, to)
}
