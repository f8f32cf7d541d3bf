package invocation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry stores invocation records by id. It is the only owner of record
// lifetime: records enter through Register and leave only through the
// expiry sweep that Register runs.
//
// Expiry is not driven by a timer. A finished record whose retention has
// elapsed stays retrievable until the next Register call on the same
// registry sweeps it.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	now     func() time.Time
	logger  *slog.Logger
	onExp   func(*Record)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock replaces time.Now for expiry decisions.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRegistryLogger sets the logger used for sweep diagnostics.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithExpiryHook is called, under the registry lock, for every expired record.
func WithExpiryHook(fn func(*Record)) RegistryOption {
	return func(r *Registry) {
		r.onExp = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts rec and sweeps expired records in the same critical
// section.
func (r *Registry) Register(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID())
	}

	r.expireLocked(r.now())

	r.records[rec.ID()] = rec
	r.order = append(r.order, rec.ID())
	return nil
}

// Get returns the record with the given id.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Records returns the retained records in insertion order, oldest first.
func (r *Registry) Records() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out
}

// List returns snapshots of every retained record in insertion order,
// oldest first.
func (r *Registry) List() []Snapshot {
	recs := r.Records()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Len returns the number of retained records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ExpireOld removes every terminal record whose retention has elapsed at
// now and returns the removed ids.
func (r *Registry) ExpireOld(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(now)
}

func (r *Registry) expireLocked(now time.Time) []string {
	var expired []string
	kept := r.order[:0]
	for _, id := range r.order {
		rec := r.records[id]
		exp := rec.ExpiresAt()
		if !exp.IsZero() && !exp.After(now) {
			expired = append(expired, id)
			delete(r.records, id)
			if r.onExp != nil {
				r.onExp(rec)
			}
			continue
		}
		kept = append(kept, id)
	}
	// drop references held past the new length
	clear(r.order[len(kept):])
	r.order = kept

	if len(expired) > 0 {
		r.logger.Debug("expired invocations", slog.Int("count", len(expired)), slog.Any("ids", expired))
	}
	return expired
}
