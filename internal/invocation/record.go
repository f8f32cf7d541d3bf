// Package invocation tracks the lifecycle of action invocations: the record
// of a single run and the registry that retains and expires them.
package invocation

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

const (
	// DefaultLogCapacity bounds the number of log entries kept per invocation.
	DefaultLogCapacity = 1000

	// DefaultFlushGrace is how long after finishing a record still accepts log entries.
	DefaultFlushGrace = 100 * time.Millisecond
)

// Record is one invocation of an action. Identity fields are immutable;
// lifecycle fields are guarded by mu and written only by the runner that
// owns the invocation, except the cancel flag.
type Record struct {
	id            string
	action        string
	thingPath     string
	input         map[string]any
	retention     time.Duration
	timeRequested time.Time
	flushGrace    time.Duration
	now           func() time.Time

	cancelRequested atomic.Bool
	cancelMu        sync.Mutex
	cancelCh        chan struct{}
	done            chan struct{}

	mu           sync.RWMutex
	status       Status
	output       any
	err          error
	timeStarted  time.Time
	timeFinished time.Time
	log          *logRing
}

// Option configures a Record at creation.
type Option func(*Record)

// WithID overrides the generated UUID.
func WithID(id string) Option {
	return func(r *Record) {
		r.id = id
	}
}

// WithLogCapacity sets how many log entries are retained.
func WithLogCapacity(n int) Option {
	return func(r *Record) {
		r.log = newLogRing(n)
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Record) {
		r.now = now
	}
}

// WithFlushGrace sets the window after completion during which log entries are still accepted.
func WithFlushGrace(d time.Duration) Option {
	return func(r *Record) {
		r.flushGrace = d
	}
}

// New creates a pending record for action on the Thing at thingPath.
// The input map is copied.
func New(action, thingPath string, input map[string]any, retention time.Duration, opts ...Option) *Record {
	r := &Record{
		id:         uuid.NewString(),
		action:     action,
		thingPath:  thingPath,
		input:      maps.Clone(input),
		retention:  retention,
		flushGrace: DefaultFlushGrace,
		now:        time.Now,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
		status:     StatusPending,
		log:        newLogRing(DefaultLogCapacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.input == nil {
		r.input = map[string]any{}
	}
	r.timeRequested = r.now()
	return r
}

func (r *Record) ID() string                   { return r.id }
func (r *Record) Action() string               { return r.action }
func (r *Record) ThingPath() string            { return r.thingPath }
func (r *Record) RetentionTime() time.Duration { return r.retention }

// Input returns a copy of the captured arguments.
func (r *Record) Input() map[string]any {
	return maps.Clone(r.input)
}

// Status returns the current status.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Done is closed once the record reaches a terminal status.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// CancelRequested reports whether cancellation has been asked for.
func (r *Record) CancelRequested() bool {
	return r.cancelRequested.Load()
}

// CancelSignal is closed when cancellation is requested.
func (r *Record) CancelSignal() <-chan struct{} {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelCh
}

// MarkRunning moves a pending record to running.
func (r *Record) MarkRunning() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusPending {
		return transitionError(r.status, StatusRunning)
	}
	r.status = StatusRunning
	r.timeStarted = r.now()
	return nil
}

// MarkCompleted stores the output of a running record.
func (r *Record) MarkCompleted(output any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return transitionError(r.status, StatusCompleted)
	}
	r.output = output
	r.finishLocked(StatusCompleted)
	return nil
}

// MarkError records the failure of a running record. Errors that are not
// already an *ActionExecutionError are wrapped in one.
func (r *Record) MarkError(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return transitionError(r.status, StatusError)
	}
	if _, ok := err.(*ActionExecutionError); !ok {
		err = &ActionExecutionError{Action: r.action, Err: err}
	}
	r.err = err
	r.finishLocked(StatusError)
	return nil
}

// MarkCancelled ends a pending or running record as cancelled. A record
// cancelled while pending keeps a zero start time.
func (r *Record) MarkCancelled() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return transitionError(r.status, StatusCancelled)
	}
	r.finishLocked(StatusCancelled)
	return nil
}

func (r *Record) finishLocked(status Status) {
	r.status = status
	r.timeFinished = r.now()
	close(r.done)
}

// RequestCancel raises the cancellation flag. Action code observes it
// cooperatively; nothing is interrupted.
func (r *Record) RequestCancel() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status.Terminal() {
		return transitionError(r.status, StatusCancelled)
	}

	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if !r.cancelRequested.Load() {
		r.cancelRequested.Store(true)
		close(r.cancelCh)
	}
	return nil
}

// ResetCancel clears a handled cancellation so a later request can be
// observed again.
func (r *Record) ResetCancel() {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()

	if !r.cancelRequested.Load() {
		return
	}
	r.cancelRequested.Store(false)
	r.cancelCh = make(chan struct{})
}

// AppendLog adds an entry to the invocation log. Entries are accepted until
// the record is terminal plus the flush grace window.
func (r *Record) AppendLog(entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() && r.now().Sub(r.timeFinished) > r.flushGrace {
		return transitionError(r.status, r.status)
	}
	if entry.Time.IsZero() {
		entry.Time = r.now()
	}
	r.log.push(entry)
	return nil
}

// ExpiresAt is the time after which a terminal record may be removed.
// It is zero while the record is still pending or running.
func (r *Record) ExpiresAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.status.Terminal() {
		return time.Time{}
	}
	return r.timeFinished.Add(r.retention)
}

// Snapshot is an immutable view of a Record.
type Snapshot struct {
	ID              string
	Action          string
	ThingPath       string
	Status          Status
	Input           map[string]any
	Output          any
	Error           string
	TimeRequested   time.Time
	TimeStarted     time.Time
	TimeFinished    time.Time
	RetentionTime   time.Duration
	CancelRequested bool
	Log             []LogEntry
}

// Snapshot copies the record's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		ID:              r.id,
		Action:          r.action,
		ThingPath:       r.thingPath,
		Status:          r.status,
		Input:           maps.Clone(r.input),
		Output:          r.output,
		TimeRequested:   r.timeRequested,
		TimeStarted:     r.timeStarted,
		TimeFinished:    r.timeFinished,
		RetentionTime:   r.retention,
		CancelRequested: r.cancelRequested.Load(),
		Log:             r.log.entries(),
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	return s
}

// Err returns the captured execution error, if any.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Output returns the result of a completed invocation.
func (r *Record) Output() (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status != StatusCompleted || r.output == nil {
		return nil, ErrNoOutput
	}
	return r.output, nil
}
