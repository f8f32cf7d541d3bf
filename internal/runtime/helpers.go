package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/thingserver/internal/action"
	"github.com/tjfontaine/thingserver/internal/config"
	"github.com/tjfontaine/thingserver/internal/examplething"
	"github.com/tjfontaine/thingserver/internal/thing"
)

type mount struct {
	path  string
	thing *thing.Thing
}

// actionDefaults maps the actions section onto manager defaults.
func actionDefaults(c config.ActionsConfig) action.Defaults {
	d := action.Defaults{
		RetentionTime:   c.RetentionTime,
		ResponseTimeout: c.ResponseTimeout,
		LogCapacity:     c.LogCapacity,
	}
	if len(c.Overrides) > 0 {
		d.RetentionOverrides = make(map[string]time.Duration, len(c.Overrides))
		for name, o := range c.Overrides {
			d.RetentionOverrides[name] = o.RetentionTime
		}
	}
	return d
}

// buildThings creates configured Things followed by extras.
func buildThings(cfgs []config.ThingConfig, extra []mount) ([]mount, error) {
	examplething.RegisterBuiltins()

	out := make([]mount, 0, len(cfgs)+len(extra))
	for _, tc := range cfgs {
		t, err := examplething.New(tc.Type, tc.Title)
		if err != nil {
			return nil, fmt.Errorf("thing at %s: %w", tc.Path, err)
		}
		out = append(out, mount{path: tc.Path, thing: t})
	}
	return append(out, extra...), nil
}

// applyLevels updates the server and invocation log levels from cfg.
func applyLevels(cfg *config.Config, server, invocations *slog.LevelVar) {
	if l, err := config.ParseLevel(cfg.Log.Level); err == nil && server != nil {
		server.Set(l)
	}
	if l, err := config.ParseLevel(cfg.Actions.LogLevel); err == nil {
		invocations.Set(l)
	}
}
