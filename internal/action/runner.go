package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

const tracerName = "github.com/tjfontaine/thingserver/internal/action"

// StatusEvent is published whenever an invocation changes status.
type StatusEvent struct {
	ThingPath    string
	Action       string
	InvocationID string
	Status       invocation.Status
	Time         time.Time
}

// Observer receives status events. Implementations must not block.
type Observer interface {
	ActionStatusChanged(ev StatusEvent)
}

// Metrics records invocation counters.
type Metrics interface {
	InvocationSubmitted(action string)
	InvocationStarted(action string)
	InvocationFinished(action string, status invocation.Status, d time.Duration)
	InvocationsExpired(n int)
	SetRetained(n int)
}

// Runner executes actions, one goroutine per invocation.
type Runner struct {
	logger   *slog.Logger
	logLevel slog.Leveler
	tracer   trace.Tracer
	observer Observer
	metrics  Metrics

	wg sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the server logger invocation loggers forward to.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithInvocationLogLevel sets the minimum level kept in invocation logs.
func WithInvocationLogLevel(level slog.Leveler) RunnerOption {
	return func(r *Runner) {
		r.logLevel = level
	}
}

// WithTracer sets the tracer used for per-invocation spans.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		r.tracer = t
	}
}

// WithObserver sets the receiver of status events.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		r.observer = o
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:   slog.Default(),
		logLevel: slog.LevelInfo,
		tracer:   otel.Tracer(tracerName),
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit schedules fn to run for rec and returns immediately. The place in
// the Thing's queue is taken before Submit returns, so invocations on one
// Thing start in the order they were submitted. The goroutine is detached
// from ctx cancellation but keeps its values (trace context).
func (r *Runner) Submit(ctx context.Context, rec *invocation.Record, lock *Serial, fn Func) {
	wait, release := lock.Reserve()
	r.metrics.InvocationSubmitted(rec.Action())
	r.publish(rec, invocation.StatusPending)

	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		<-wait
		r.run(ctx, rec, fn)
	}()
}

// Wait blocks until every submitted invocation has finished or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, rec *invocation.Record, fn Func) {
	ctx, span := r.tracer.Start(ctx, "action."+rec.Action(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("invocation.id", rec.ID()),
			attribute.String("action.name", rec.Action()),
			attribute.String("thing.path", rec.ThingPath()),
		),
	)
	defer span.End()

	logger := newInvocationLogger(rec, r.logger, r.logLevel)

	// Cancelled while queued behind another action: never start it.
	if rec.CancelRequested() {
		if err := rec.MarkCancelled(); err != nil {
			r.logger.Error("cancel queued invocation", slog.String("invocation_id", rec.ID()), slog.String("error", err.Error()))
			return
		}
		logger.Info(fmt.Sprintf("Invocation %s was cancelled before it started.", rec.ID()))
		r.finish(span, rec, invocation.StatusCancelled, 0)
		return
	}

	if err := rec.MarkRunning(); err != nil {
		r.logger.Error("start invocation", slog.String("invocation_id", rec.ID()), slog.String("error", err.Error()))
		return
	}
	start := time.Now()
	r.metrics.InvocationStarted(rec.Action())
	r.publish(rec, invocation.StatusRunning)

	inv := &Invocation{
		ID:     rec.ID(),
		Action: rec.Action(),
		Thing:  rec.ThingPath(),
		Args:   rec.Input(),
		Logger: logger,
		Cancel: newCancelHook(rec),
	}

	out, err := call(ctx, fn, inv)

	var (
		status  invocation.Status
		markErr error
		invErr  *InvocationError
	)
	switch {
	case err == nil:
		status = invocation.StatusCompleted
		markErr = rec.MarkCompleted(out)
	case errors.Is(err, ErrCancelled):
		logger.Info(fmt.Sprintf("Invocation %s was cancelled.", rec.ID()))
		status = invocation.StatusCancelled
		markErr = rec.MarkCancelled()
	case errors.As(err, &invErr):
		logger.Error(err.Error())
		status = invocation.StatusError
		markErr = rec.MarkError(err)
		span.RecordError(err)
	default:
		logger.Error("action failed", slog.String("error", err.Error()))
		status = invocation.StatusError
		markErr = rec.MarkError(err)
		span.RecordError(err)
	}
	if markErr != nil {
		r.logger.Error("finish invocation", slog.String("invocation_id", rec.ID()), slog.String("error", markErr.Error()))
		return
	}
	r.finish(span, rec, status, time.Since(start))
}

func (r *Runner) finish(span trace.Span, rec *invocation.Record, status invocation.Status, d time.Duration) {
	span.SetAttributes(attribute.String("invocation.status", string(status)))
	if status == invocation.StatusError {
		span.SetStatus(codes.Error, "action failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	r.metrics.InvocationFinished(rec.Action(), status, d)
	r.publish(rec, status)
}

func (r *Runner) publish(rec *invocation.Record, status invocation.Status) {
	if r.observer == nil {
		return
	}
	r.observer.ActionStatusChanged(StatusEvent{
		ThingPath:    rec.ThingPath(),
		Action:       rec.Action(),
		InvocationID: rec.ID(),
		Status:       status,
		Time:         time.Now(),
	})
}

// call runs fn, turning a panic into an error so one bad action cannot
// take the process down.
func call(ctx context.Context, fn Func, inv *Invocation) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			inv.Logger.Error("action panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			out, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, inv)
}

type noopMetrics struct{}

func (noopMetrics) InvocationSubmitted(string)                                  {}
func (noopMetrics) InvocationStarted(string)                                    {}
func (noopMetrics) InvocationFinished(string, invocation.Status, time.Duration) {}
func (noopMetrics) InvocationsExpired(int)                                      {}
func (noopMetrics) SetRetained(int)                                             {}
