package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/thingserver/internal/config"
	"github.com/tjfontaine/thingserver/internal/examplething"
	"github.com/tjfontaine/thingserver/internal/telemetry"
	"github.com/tjfontaine/thingserver/pkg/thingserver"
)

func serveCmd() *cobra.Command {
	var (
		configPath      string
		watch           bool
		thingSpecs      []string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Thing server",
		Long:  "Run the Thing server with Things from the config file and --thing flags. With neither, a counter is mounted at /counter/.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level := new(slog.LevelVar)
			if l, err := config.ParseLevel(cfg.Log.Level); err == nil {
				level.Set(l)
			}
			logger := newLogger(os.Stdout, cfg.Log.Format, level)
			slog.SetDefault(logger)

			shutdownTracer, err := telemetry.Init(cfg.Telemetry.Enabled, telemetry.Options{
				ServiceName: cfg.Telemetry.ServiceName,
			}, logger)
			if err != nil {
				return fmt.Errorf("initialize tracer: %w", err)
			}
			defer func() {
				if err := shutdownTracer(context.Background()); err != nil {
					logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
				}
			}()

			opts := []thingserver.Option{
				thingserver.WithFileConfig(configPath),
				thingserver.WithWatch(watch),
				thingserver.WithLogger(logger),
				thingserver.WithLevelVar(level),
			}

			examplething.RegisterBuiltins()
			specs := thingSpecs
			if len(cfg.Things) == 0 && len(specs) == 0 {
				specs = []string{"counter:/counter/"}
			}
			for _, spec := range specs {
				tc, err := parseThingSpec(spec)
				if err != nil {
					return err
				}
				t, err := examplething.New(tc.Type, tc.Title)
				if err != nil {
					return err
				}
				opts = append(opts, thingserver.WithThing(tc.Path, t))
			}

			srv, err := thingserver.New(opts...)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			for _, t := range srv.Things().Things() {
				logger.Info("thing mounted", slog.String("path", t.Path()), slog.String("title", t.Title))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutdown signal received", slog.String("signal", sig.String()))
			case err := <-srv.Done():
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file path; a missing file is allowed")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload action defaults and log levels when the config file changes")
	cmd.Flags().StringArrayVar(&thingSpecs, "thing", nil, "Mount a built-in Thing as type:path[:title], repeatable")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for running actions on shutdown")

	return cmd
}

// parseThingSpec reads type:path[:title].
func parseThingSpec(spec string) (config.ThingConfig, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return config.ThingConfig{}, fmt.Errorf("invalid --thing %q: want type:path[:title]", spec)
	}
	tc := config.ThingConfig{Type: parts[0], Path: parts[1]}
	if len(parts) == 3 {
		tc.Title = parts[2]
	}
	return tc, nil
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
