package action

import "errors"

var (
	// ErrActionNotFound is returned when a Thing has no action with the requested name.
	ErrActionNotFound = errors.New("action not found")

	// ErrCancelled is returned by CancelHook methods once cancellation has
	// been requested. Returning it (or an error wrapping it) from an action
	// ends the invocation as cancelled.
	ErrCancelled = errors.New("invocation cancelled")
)

// InvocationError is an anticipated failure. The invocation ends with
// status error, but the runner logs only the message.
type InvocationError struct {
	Msg string
	Err error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
