// Package action runs Thing actions in the background and tracks each run
// as an invocation record.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Func is the body of an action. It runs on its own goroutine after the
// owning Thing's previous actions have finished. The returned value becomes
// the invocation output; a returned error becomes the invocation error,
// except ErrCancelled which ends the invocation as cancelled.
type Func func(ctx context.Context, inv *Invocation) (any, error)

// Definition describes one action exposed by a Thing.
type Definition struct {
	Name        string
	Description string
	Func        Func

	// RetentionTime is how long a finished invocation stays queryable.
	// Zero uses the manager default.
	RetentionTime time.Duration

	// ResponseTimeout is how long an HTTP invoke waits for the action to
	// finish before answering with a still-running invocation. Zero uses
	// the manager default; negative never waits.
	ResponseTimeout time.Duration
}

// Target is anything that exposes actions: in practice a *thing.Thing.
type Target interface {
	// Path is where the Thing is mounted, ending in a slash.
	Path() string
	// Action looks up a definition by name.
	Action(name string) (*Definition, bool)
	// ActionLock serializes actions on this Thing.
	ActionLock() *Serial
}

// Invocation is what an action body sees of its own run.
type Invocation struct {
	ID     string
	Action string
	Thing  string
	Args   map[string]any

	// Logger writes into the invocation log as well as the server log.
	Logger *slog.Logger
	// Cancel reports cooperative cancellation requests.
	Cancel *CancelHook
}

// Bind decodes the invocation arguments into v, which should be a pointer
// to a struct with json tags.
func (inv *Invocation) Bind(v any) error {
	raw, err := json.Marshal(inv.Args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", inv.Action, err)
	}
	return nil
}
