// Package runtime assembles a Thing server: configuration, Things, the
// action manager, and the HTTP server, with lifecycle management.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/thingserver/internal/action"
	"github.com/tjfontaine/thingserver/internal/api/invocations"
	"github.com/tjfontaine/thingserver/internal/config"
	"github.com/tjfontaine/thingserver/internal/metrics"
	"github.com/tjfontaine/thingserver/internal/notify"
	"github.com/tjfontaine/thingserver/internal/server"
	"github.com/tjfontaine/thingserver/internal/thing"
)

// Server is the main entry point for serving Things. It can be embedded in
// a larger program or run standalone by cmd/thingserver.
type Server struct {
	// Set by options
	cfg        *config.Config
	cfgPath    string
	watch      bool
	logger     *slog.Logger
	logLevel   *slog.LevelVar
	extra      []mount
	collectors []prometheus.Collector

	things        *thing.Registry
	manager       *action.Manager
	hub           *notify.Hub
	metrics       *metrics.Prometheus
	http          *server.Server
	invocationLvl *slog.LevelVar

	// Lifecycle management
	mu       sync.Mutex
	cancel   context.CancelFunc
	listener net.Listener
	serveErr chan error
}

// New builds a Server. Without WithFileConfig or WithConfig, configuration
// comes from config.yaml in the working directory and the environment.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger:        slog.Default(),
		invocationLvl: new(slog.LevelVar),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		s.cfg = cfg
	}
	applyLevels(s.cfg, s.logLevel, s.invocationLvl)

	s.things = thing.NewRegistry()
	mounts, err := buildThings(s.cfg.Things, s.extra)
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		if err := s.things.Add(m.path, m.thing); err != nil {
			return nil, fmt.Errorf("mount thing: %w", err)
		}
	}

	s.hub = notify.NewHub(s.logger)

	managerOpts := []action.ManagerOption{
		action.WithLogger(s.logger),
		action.WithDefaults(actionDefaults(s.cfg.Actions)),
		action.WithRunnerOptions(
			action.WithObserver(s.hub),
			action.WithInvocationLogLevel(s.invocationLvl),
		),
	}
	if s.cfg.Metrics.Enabled {
		s.metrics = metrics.NewPrometheus(s.cfg.Metrics.Namespace)
		managerOpts = append(managerOpts, action.WithManagerMetrics(s.metrics))
		for _, c := range s.collectors {
			if err := s.metrics.Registry().Register(c); err != nil {
				return nil, fmt.Errorf("register collector: %w", err)
			}
		}
	} else if len(s.collectors) > 0 {
		s.logger.Warn("metrics disabled, extra collectors not exported", slog.Int("collectors", len(s.collectors)))
	}
	s.manager = action.NewManager(managerOpts...)

	s.http = server.New(server.Options{
		Port:           s.cfg.Server.Port,
		RequestTimeout: s.cfg.Server.RequestTimeout,
		ServiceName:    s.cfg.Telemetry.ServiceName,
		Logger:         s.logger,
	})
	s.routes()

	return s, nil
}

func (s *Server) routes() {
	r := s.http.Router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	invocations.NewHandler(s.manager, s.things, s.hub, s.logger).Routes(r)
}

// Handler returns the root HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Router
}

// Manager returns the action manager.
func (s *Server) Manager() *action.Manager {
	return s.manager
}

// Things returns the Thing registry.
func (s *Server) Things() *thing.Registry {
	return s.things
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.StartListener(ctx, ln)
}

// StartListener serves on ln in the background.
func (s *Server) StartListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln
	s.serveErr = make(chan error, 1)

	if s.watch {
		if err := config.Watch(ctx, s.cfgPath, s.logger, s.reload); err != nil {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}

	go func() {
		s.serveErr <- s.http.Serve(ln)
	}()

	s.logger.Info("thing server started",
		slog.String("addr", ln.Addr().String()),
		slog.Int("things", len(s.things.Things())))
	return nil
}

// Addr is the listening address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done delivers the result of serving once the HTTP server stops.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// reload applies the parts of a new config that can change at runtime.
func (s *Server) reload(cfg *config.Config) {
	s.manager.SetDefaults(actionDefaults(cfg.Actions))
	applyLevels(cfg, s.logLevel, s.invocationLvl)
	if cfg.Server.Port != s.cfg.Server.Port || len(cfg.Things) != len(s.cfg.Things) {
		s.logger.Warn("server and thing changes need a restart to take effect")
	}
	s.logger.Info("config reloaded",
		slog.Duration("retention_time", cfg.Actions.RetentionTime),
		slog.Duration("response_timeout", cfg.Actions.ResponseTimeout),
		slog.String("log_level", cfg.Log.Level))
}

// Shutdown stops the HTTP server, then waits for running actions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down thing server")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Error("actions still running at shutdown", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	s.logger.Info("thing server shutdown complete")
	return errors.Join(errs...)
}
