package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

// Defaults are the framework-wide values used when an action does not set
// its own.
type Defaults struct {
	RetentionTime   time.Duration
	ResponseTimeout time.Duration
	LogCapacity     int
	// RetentionOverrides maps action names to a retention time that wins
	// over both the action's own setting and RetentionTime.
	RetentionOverrides map[string]time.Duration
}

// DefaultDefaults mirrors the values a Thing gets without configuration.
func DefaultDefaults() Defaults {
	return Defaults{
		RetentionTime:   300 * time.Second,
		ResponseTimeout: time.Second,
		LogCapacity:     invocation.DefaultLogCapacity,
	}
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	ThingPath string
	Action    string
}

// Manager is the entry point for invoking actions and querying their
// invocations. It owns the registry and the runner.
type Manager struct {
	registry *invocation.Registry
	runner   *Runner
	logger   *slog.Logger
	metrics  Metrics
	defaults atomic.Pointer[Defaults]
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	logger      *slog.Logger
	metrics     Metrics
	defaults    Defaults
	runnerOpts  []RunnerOption
	registryOps []invocation.RegistryOption
}

// WithLogger sets the manager and runner logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithDefaults sets the framework-wide action defaults.
func WithDefaults(d Defaults) ManagerOption {
	return func(c *managerConfig) {
		c.defaults = d
	}
}

// WithManagerMetrics records invocation metrics.
func WithManagerMetrics(m Metrics) ManagerOption {
	return func(c *managerConfig) {
		c.metrics = m
	}
}

// WithRunnerOptions passes options through to the Runner.
func WithRunnerOptions(opts ...RunnerOption) ManagerOption {
	return func(c *managerConfig) {
		c.runnerOpts = append(c.runnerOpts, opts...)
	}
}

// WithRegistryOptions passes options through to the Registry.
func WithRegistryOptions(opts ...invocation.RegistryOption) ManagerOption {
	return func(c *managerConfig) {
		c.registryOps = append(c.registryOps, opts...)
	}
}

// NewManager creates a Manager with its own registry, so several managers
// can live in one process without sharing invocations.
func NewManager(opts ...ManagerOption) *Manager {
	cfg := managerConfig{
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		defaults: DefaultDefaults(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}
	m.SetDefaults(cfg.defaults)

	regOpts := append([]invocation.RegistryOption{
		invocation.WithRegistryLogger(cfg.logger),
		invocation.WithExpiryHook(func(*invocation.Record) { cfg.metrics.InvocationsExpired(1) }),
	}, cfg.registryOps...)
	m.registry = invocation.NewRegistry(regOpts...)

	runOpts := append([]RunnerOption{
		WithRunnerLogger(cfg.logger),
		WithMetrics(cfg.metrics),
	}, cfg.runnerOpts...)
	m.runner = NewRunner(runOpts...)

	return m
}

// SetDefaults replaces the defaults used by subsequent invocations.
func (m *Manager) SetDefaults(d Defaults) {
	if d.LogCapacity <= 0 {
		d.LogCapacity = invocation.DefaultLogCapacity
	}
	m.defaults.Store(&d)
}

// Defaults returns the current defaults.
func (m *Manager) Defaults() Defaults {
	return *m.defaults.Load()
}

// Invoke starts the named action on target and returns the invocation as
// it stands right after submission, usually pending. It never waits for
// the action itself.
func (m *Manager) Invoke(ctx context.Context, target Target, name string, args map[string]any) (invocation.Snapshot, error) {
	rec, err := m.start(ctx, target, name, args)
	if err != nil {
		return invocation.Snapshot{}, err
	}
	return rec.Snapshot(), nil
}

// InvokeAndWait starts the action and waits up to its response timeout for
// it to finish. The returned snapshot may still be pending or running.
func (m *Manager) InvokeAndWait(ctx context.Context, target Target, name string, args map[string]any) (invocation.Snapshot, error) {
	rec, err := m.start(ctx, target, name, args)
	if err != nil {
		return invocation.Snapshot{}, err
	}

	def, _ := target.Action(name)
	timeout := def.ResponseTimeout
	if timeout == 0 {
		timeout = m.Defaults().ResponseTimeout
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-rec.Done():
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return rec.Snapshot(), nil
}

func (m *Manager) start(ctx context.Context, target Target, name string, args map[string]any) (*invocation.Record, error) {
	def, ok := target.Action(name)
	if !ok || def.Func == nil {
		return nil, fmt.Errorf("%w: %s%s", ErrActionNotFound, target.Path(), name)
	}

	d := m.Defaults()
	rec := invocation.New(name, target.Path(), args, m.retentionFor(def, d),
		invocation.WithLogCapacity(d.LogCapacity),
	)

	if err := m.registry.Register(rec); err != nil {
		return nil, fmt.Errorf("register invocation: %w", err)
	}
	m.metrics.SetRetained(m.registry.Len())

	m.runner.Submit(ctx, rec, target.ActionLock(), def.Func)

	m.logger.Debug("action invoked",
		slog.String("invocation_id", rec.ID()),
		slog.String("thing", target.Path()),
		slog.String("action", name))
	return rec, nil
}

func (m *Manager) retentionFor(def *Definition, d Defaults) time.Duration {
	if r, ok := d.RetentionOverrides[def.Name]; ok {
		return r
	}
	if def.RetentionTime > 0 {
		return def.RetentionTime
	}
	return d.RetentionTime
}

// Get returns a snapshot of the invocation with the given id.
func (m *Manager) Get(id string) (invocation.Snapshot, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return invocation.Snapshot{}, err
	}
	return rec.Snapshot(), nil
}

// Output returns just the output of a completed invocation.
func (m *Manager) Output(id string) (any, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Output()
}

// List returns every retained invocation matching f, oldest first.
func (m *Manager) List(f Filter) []invocation.Snapshot {
	recs := m.registry.Records()
	out := make([]invocation.Snapshot, 0, len(recs))
	for _, rec := range recs {
		if f.ThingPath != "" && rec.ThingPath() != f.ThingPath {
			continue
		}
		if f.Action != "" && rec.Action() != f.Action {
			continue
		}
		out = append(out, rec.Snapshot())
	}
	return out
}

// Cancel asks a pending or running invocation to stop. It returns
// invocation.ErrInvalidState if the invocation has already finished.
func (m *Manager) Cancel(id string) error {
	rec, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if err := rec.RequestCancel(); err != nil {
		return err
	}
	m.logger.Info("invocation cancel requested", slog.String("invocation_id", id))
	return nil
}

// Shutdown waits for running invocations to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.runner.Wait(ctx)
}
