// Package examplething provides demo Things used by the server binary and
// by tests.
package examplething

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/thingserver/internal/action"
	"github.com/tjfontaine/thingserver/internal/thing"
)

// Counter is a Thing holding one integer and a handful of actions that
// exercise completion, failure and cancellation.
type Counter struct {
	*thing.Thing

	value atomic.Int64
	// Tick is the default pause between steps of slowly_increase_counter.
	Tick time.Duration
}

// NewCounter builds a Counter with all of its actions registered.
func NewCounter(title string) *Counter {
	if title == "" {
		title = "Counter"
	}
	c := &Counter{Thing: thing.New(title), Tick: time.Second}
	c.Description = "A pointless counter"

	c.MustAddAction(action.Definition{
		Name:        "increment_counter",
		Description: "Increment the counter by one",
		Func:        c.increment,
	})
	c.MustAddAction(action.Definition{
		Name:            "slowly_increase_counter",
		Description:     "Increment the counter once per tick, 60 times unless told otherwise",
		Func:            c.slowlyIncrease,
		// long-running: answer the POST straight away
		ResponseTimeout: -1,
	})
	c.MustAddAction(action.Definition{
		Name:            "count_until_cancelled",
		Description:     "Increment once per tick until cancelled, then report how far it got",
		Func:            c.countUntilCancelled,
		ResponseTimeout: -1,
	})
	c.MustAddAction(action.Definition{
		Name:        "reset_counter",
		Description: "Set the counter back to zero",
		Func:        c.reset,
	})
	c.MustAddAction(action.Definition{
		Name:        "make_a_dict",
		Description: "Return a dict, optionally with one extra entry",
		Func:        makeADict,
	})
	c.MustAddAction(action.Definition{
		Name:        "action_that_raises",
		Description: "Always fails",
		Func:        actionThatRaises,
	})
	c.MustAddAction(action.Definition{
		Name:        "handled_failure",
		Description: "Fails with an expected error",
		Func:        handledFailure,
	})
	return c
}

// Value returns the counter.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

func (c *Counter) increment(ctx context.Context, inv *action.Invocation) (any, error) {
	return c.value.Add(1), nil
}

func (c *Counter) reset(ctx context.Context, inv *action.Invocation) (any, error) {
	c.value.Store(0)
	return int64(0), nil
}

type slowArgs struct {
	// Delay is seconds between steps; unset uses the Counter's Tick.
	Delay *float64 `json:"delay"`
	Steps *int     `json:"steps"`
}

func (c *Counter) tick(delay *float64) time.Duration {
	if delay == nil {
		return c.Tick
	}
	return time.Duration(*delay * float64(time.Second))
}

func (c *Counter) slowlyIncrease(ctx context.Context, inv *action.Invocation) (any, error) {
	var args slowArgs
	if err := inv.Bind(&args); err != nil {
		return nil, err
	}
	steps := 60
	if args.Steps != nil {
		steps = *args.Steps
	}
	if steps < 0 {
		return nil, &action.InvocationError{Msg: fmt.Sprintf("steps must not be negative, got %d", steps)}
	}
	delay := c.tick(args.Delay)

	for i := 0; i < steps; i++ {
		if err := inv.Cancel.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		v := c.value.Add(1)
		inv.Logger.Debug("counter increased", slog.Int64("counter", v))
	}
	inv.Logger.Info(fmt.Sprintf("Increased counter %d times", steps))
	return c.value.Load(), nil
}

func (c *Counter) countUntilCancelled(ctx context.Context, inv *action.Invocation) (any, error) {
	var args slowArgs
	if err := inv.Bind(&args); err != nil {
		return nil, err
	}
	delay := c.tick(args.Delay)

	var n int
	for {
		err := inv.Cancel.Sleep(ctx, delay)
		if errors.Is(err, action.ErrCancelled) {
			inv.Cancel.Reset()
			inv.Logger.Info("stopping on request", slog.Int("steps", n))
			return n, nil
		}
		if err != nil {
			return nil, err
		}
		c.value.Add(1)
		n++
	}
}

func makeADict(ctx context.Context, inv *action.Invocation) (any, error) {
	var args struct {
		ExtraKey   *string `json:"extra_key"`
		ExtraValue *string `json:"extra_value"`
	}
	if err := inv.Bind(&args); err != nil {
		return nil, err
	}
	out := map[string]any{"key": "value"}
	if args.ExtraKey != nil {
		var v any
		if args.ExtraValue != nil {
			v = *args.ExtraValue
		}
		out[*args.ExtraKey] = v
	}
	return out, nil
}

func actionThatRaises(ctx context.Context, inv *action.Invocation) (any, error) {
	return nil, errors.New("this action always fails")
}

func handledFailure(ctx context.Context, inv *action.Invocation) (any, error) {
	return nil, &action.InvocationError{Msg: "This is an error, but I handled it!"}
}
