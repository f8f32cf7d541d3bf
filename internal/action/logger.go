package action

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

// recordHandler copies log records at or above level into an invocation
// log and forwards everything to the server's handler.
type recordHandler struct {
	rec    *invocation.Record
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// newInvocationLogger returns a logger bound to one invocation.
func newInvocationLogger(rec *invocation.Record, base *slog.Logger, level slog.Leveler) *slog.Logger {
	next := base.With(
		slog.String("invocation_id", rec.ID()),
		slog.String("action", rec.Action()),
		slog.String("thing", rec.ThingPath()),
	).Handler()
	return slog.New(&recordHandler{rec: rec, next: next, level: level})
}

func (h *recordHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || h.next.Enabled(ctx, level)
}

func (h *recordHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			attrs[a.Key] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs[h.prefix+a.Key] = a.Value.Resolve().Any()
			return true
		})
		if len(attrs) == 0 {
			attrs = nil
		}
		// late entries after the flush window are dropped
		_ = h.rec.AppendLog(invocation.NewLogEntry(r.Time, r.Level, r.Message, attrs))
	}

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *recordHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	out.attrs = append(out.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		out.attrs = append(out.attrs, a)
	}
	out.next = h.next.WithAttrs(attrs)
	return &out
}

func (h *recordHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.prefix = h.prefix + name + "."
	out.next = h.next.WithGroup(name)
	return &out
}
