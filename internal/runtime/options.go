package runtime

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/thingserver/internal/config"
	"github.com/tjfontaine/thingserver/internal/thing"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithFileConfig loads configuration from path. With watching enabled the
// file is reloaded when it changes.
func WithFileConfig(path string) Option {
	return func(s *Server) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		s.cfg = cfg
		s.cfgPath = path
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) error {
		if cfg == nil {
			return fmt.Errorf("config must not be nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		s.cfg = cfg
		return nil
	}
}

// WithWatch reloads the config file on change. Only action defaults and
// log levels are applied at runtime.
func WithWatch(enabled bool) Option {
	return func(s *Server) error {
		s.watch = enabled
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithLevelVar lets config reloads change the level of the logger passed
// to WithLogger. The logger's handler must have been built with lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(s *Server) error {
		s.logLevel = lv
		return nil
	}
}

// WithThing mounts t at path in addition to any configured Things.
func WithThing(path string, t *thing.Thing) Option {
	return func(s *Server) error {
		if t == nil {
			return fmt.Errorf("thing for %s must not be nil", path)
		}
		s.extra = append(s.extra, mount{path: path, thing: t})
		return nil
	}
}

// WithCollectors exports extra Prometheus collectors on /metrics next to
// the invocation metrics.
func WithCollectors(cs ...prometheus.Collector) Option {
	return func(s *Server) error {
		s.collectors = append(s.collectors, cs...)
		return nil
	}
}
