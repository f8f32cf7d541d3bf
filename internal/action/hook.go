package action

import (
	"context"
	"time"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

// CancelHook lets an action notice that a client asked it to stop.
// Nothing is interrupted: the action has to check.
type CancelHook struct {
	rec *invocation.Record
}

func newCancelHook(rec *invocation.Record) *CancelHook {
	return &CancelHook{rec: rec}
}

// Requested reports whether cancellation has been asked for.
func (h *CancelHook) Requested() bool {
	return h.rec.CancelRequested()
}

// Done is closed when cancellation is requested.
func (h *CancelHook) Done() <-chan struct{} {
	return h.rec.CancelSignal()
}

// RaiseIfSet returns ErrCancelled if cancellation has been requested.
func (h *CancelHook) RaiseIfSet() error {
	if h.Requested() {
		return ErrCancelled
	}
	return nil
}

// Sleep waits for d, returning ErrCancelled early if cancellation arrives
// first, or ctx.Err() if ctx ends first.
func (h *CancelHook) Sleep(ctx context.Context, d time.Duration) error {
	if err := h.RaiseIfSet(); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-h.Done():
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears a cancellation the action chose to handle, so a second
// request can be observed.
func (h *CancelHook) Reset() {
	h.rec.ResetCancel()
}
