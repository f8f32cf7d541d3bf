// Package config loads server settings from a YAML file and THING_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; "__" separates levels,
// so THING_ACTIONS__RETENTION_TIME sets actions.retention_time.
const EnvPrefix = "THING_"

// DefaultPath is read when no path is given. A missing file is not an error.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Actions   ActionsConfig   `koanf:"actions"`
	Things    []ThingConfig   `koanf:"things"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type ActionsConfig struct {
	RetentionTime   time.Duration `koanf:"retention_time"`
	ResponseTimeout time.Duration `koanf:"response_timeout"`
	LogCapacity     int           `koanf:"log_capacity"`
	// LogLevel is the lowest level copied into invocation logs.
	LogLevel  string                    `koanf:"log_level"`
	Overrides map[string]ActionOverride `koanf:"overrides"`
}

// ActionOverride replaces settings for every action with a given name.
type ActionOverride struct {
	RetentionTime time.Duration `koanf:"retention_time"`
}

// ThingConfig mounts a built-in Thing type at a path.
type ThingConfig struct {
	Type  string `koanf:"type"`
	Path  string `koanf:"path"`
	Title string `koanf:"title"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

var defaults = map[string]any{
	"server.port":              8080,
	"server.request_timeout":   "30s",
	"actions.retention_time":   "300s",
	"actions.response_timeout": "1s",
	"actions.log_capacity":     1000,
	"actions.log_level":        "info",
	"telemetry.enabled":        false,
	"telemetry.service_name":   "thingserver",
	"metrics.enabled":          true,
	"metrics.namespace":        "thingserver",
	"log.level":                "info",
	"log.format":               "json",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath if empty), then the environment, then fills
// in defaults for anything unset.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment overrides the file
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for i := range cfg.Things {
		cfg.Things[i].Path = substituteEnvVars(cfg.Things[i].Path)
		cfg.Things[i].Title = substituteEnvVars(cfg.Things[i].Title)
	}
	cfg.Metrics.Namespace = substituteEnvVars(cfg.Metrics.Namespace)
	cfg.Telemetry.ServiceName = substituteEnvVars(cfg.Telemetry.ServiceName)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Server.RequestTimeout < 0:
		return fmt.Errorf("server.request_timeout must not be negative")
	case c.Actions.RetentionTime < 0:
		return fmt.Errorf("actions.retention_time must not be negative")
	case c.Actions.LogCapacity <= 0:
		return fmt.Errorf("actions.log_capacity must be positive")
	}
	for name, o := range c.Actions.Overrides {
		if o.RetentionTime < 0 {
			return fmt.Errorf("actions.overrides.%s.retention_time must not be negative", name)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := ParseLevel(c.Actions.LogLevel); err != nil {
		return fmt.Errorf("actions.log_level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

// ParseLevel accepts slog level names such as "debug" or "warn+2".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return l, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
