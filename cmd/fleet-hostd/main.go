// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Fleet-hostd is the per-server orchestration daemon. It owns the
// long-lived collaborators (registry pool, routing generator, lifecycle
// manager, deployment pipeline) and serves operator requests over a
// Unix socket so control-plane callers do not need shell access.
//
// On startup:
//  1. Loads and validates the fleet configuration.
//  2. Opens the domain registry and builds the pipeline.
//  3. Reconciles routing once, so the artifacts match the registry
//     even after a crash or a missed deploy.
//  4. Listens on the daemon socket for JSON requests.
//  5. Sweeps for pipeline residue on the configured interval.
//
// SIGHUP triggers a routing reconcile. SIGINT/SIGTERM drain in-flight
// requests and exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/process"
	"github.com/webalive/fleet/lib/report"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/lib/tasks"
	"github.com/webalive/fleet/lib/version"
	"github.com/webalive/fleet/lifecycle"
	"github.com/webalive/fleet/pipeline"
	"github.com/webalive/fleet/provision"
	"github.com/webalive/fleet/registry"
	"github.com/webalive/fleet/routing"
	"github.com/webalive/fleet/sweep"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to the fleet config file (default: $FLEET_CONFIG)")
	flag.StringVar(&socketPath, "socket", "", "daemon socket path (overrides the config)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("fleet-hostd %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}

	// Always JSON: the daemon runs under systemd and its stderr lands
	// in the journal, where structured lines stay queryable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if socketPath != "" {
		cfg.Daemon.Socket = socketPath
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}

	if err := report.Init(report.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: string(cfg.Environment),
		ServerName:  cfg.ServerID,
		Release:     version.Version,
	}); err != nil {
		// A broken DSN should not keep sites from deploying.
		logger.Warn("sentry disabled", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := registry.Open(registry.Config{
		Path:     cfg.Registry.Path,
		PoolSize: cfg.Registry.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	systemdClient := systemd.New(nil, logger, cfg.Service.RestartTimeout.Std())

	generator, err := routing.New(routing.Config{
		ServerID:     cfg.ServerID,
		GeneratedDir: cfg.Paths.GeneratedDir,
		Routing:      cfg.Routing,
		Shell:        cfg.Shell,
		Registry:     store,
		Systemd:      systemdClient,
		Clock:        clock.Real(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	manager, err := lifecycle.New(lifecycle.Config{
		Service:  cfg.Service,
		Paths:    cfg.Paths,
		Registry: store,
		Systemd:  systemdClient,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	runner := tasks.NewRunner(logger)

	coordinator, err := pipeline.New(pipeline.Config{
		ServerID:     cfg.ServerID,
		Environment:  cfg.Environment,
		TemplateRoot: cfg.Paths.TemplateRoot,
		Registry:     store,
		Provisioner:  provision.NewScript(cfg.Provision.Command, cfg.Provision.Timeout.Std(), logger),
		Reconciler:   generator,
		Tasks:        runner,
		Clock:        clock.Real(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := sweep.New(sweep.Config{
		ServerID:      cfg.ServerID,
		WorkspaceRoot: cfg.Paths.WorkspaceRoot,
		Registry:      store,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	daemon := &Daemon{
		cfg:       cfg,
		logger:    logger,
		registry:  store,
		pipeline:  coordinator,
		lifecycle: manager,
		generator: generator,
		sweeper:   sweeper,
		clock:     clock.Real(),
	}

	// Bring routing in line with the registry before serving. A crash
	// between a registry write and the artifact render leaves them out
	// of sync; the registry is the source of truth, so render from it.
	reconcileCtx, cancel := context.WithTimeout(ctx, time.Minute)
	if err := daemon.generator.Reconcile(reconcileCtx); err != nil {
		logger.Error("initial reconcile failed", "error", err)
		// Keep serving: SIGHUP or the next deploy retries it.
	}
	cancel()

	if err := daemon.start(ctx); err != nil {
		return err
	}

	logger.Info("fleet-hostd started",
		"server_id", cfg.ServerID,
		"socket", cfg.Daemon.Socket,
		"version", version.Info(),
	)

	go daemon.sweepLoop(ctx)
	go watchHangup(ctx, daemon, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	daemon.stop()
	runner.Close()
	report.Flush(2 * time.Second)
	return nil
}

// watchHangup reconciles routing on SIGHUP. The conventional nudge
// after hand-editing the registry or restoring it from backup.
func watchHangup(ctx context.Context, d *Daemon, logger *slog.Logger) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			logger.Info("SIGHUP received, reconciling routing")
			reconcileCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := d.generator.Reconcile(reconcileCtx); err != nil {
				logger.Error("reconcile on SIGHUP failed", "error", err)
				report.CaptureError(err, "reconcile on SIGHUP failed")
			}
			cancel()
		}
	}
}
