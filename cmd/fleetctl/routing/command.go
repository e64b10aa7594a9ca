// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing implements the routing command group: reconcile the
// published artifacts against the registry, or render them to stdout
// for inspection.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/registry"
	routinglib "github.com/webalive/fleet/routing"
)

// Command returns the routing command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "routing",
		Summary: "Routing artifact operations",
		Description: `Inspect and regenerate the routing artifacts: the Caddy route
blocks, the shell front-door blocks, the SNI map, and the port map.`,
		Subcommands: []*cli.Command{
			reconcileCommand(),
			renderCommand(),
		},
	}
}

type reconcileParams struct {
	cli.ConfigFlag
}

func reconcileCommand() *cli.Command {
	var params reconcileParams

	return &cli.Command{
		Name:    "reconcile",
		Summary: "Regenerate artifacts from the registry and reload the proxies",
		Description: `Render all routing artifacts from the registry, publish them
atomically, and reload the proxy and router units. Idempotent: when
nothing changed since the last publish, neither files nor units are
touched.

Run this after hand-editing the registry, or to recover from a failed
activation.`,
		Usage: "fleetctl routing reconcile [flags]",
		Examples: []cli.Example{
			{
				Description: "Regenerate routing after a manual registry change",
				Command:     "fleetctl routing reconcile",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("reconcile", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			cfg, err := params.Load()
			if err != nil {
				return err
			}

			generator, store, err := buildGenerator(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := generator.Reconcile(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "routing reconciled")
			return nil
		},
	}
}

type renderParams struct {
	cli.ConfigFlag
	Artifact string `flag:"artifact" default:"routes" desc:"artifact to print: routes, shell, sni, or ports"`
}

func renderCommand() *cli.Command {
	var params renderParams

	return &cli.Command{
		Name:    "render",
		Summary: "Render one artifact to stdout without publishing",
		Description: `Render the routing artifacts from the current registry state and
print the chosen one to stdout. Nothing is written to the generated
directory and no unit is reloaded; this is a dry-run view of what
reconcile would publish.`,
		Usage: "fleetctl routing render [--artifact routes|shell|sni|ports] [flags]",
		Examples: []cli.Example{
			{
				Description: "Preview the Caddy route blocks",
				Command:     "fleetctl routing render",
			},
			{
				Description: "Preview the SNI map",
				Command:     "fleetctl routing render --artifact sni",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("render", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			cfg, err := params.Load()
			if err != nil {
				return err
			}

			generator, store, err := buildGenerator(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			artifacts, err := generator.RenderAll(ctx)
			if err != nil {
				return err
			}

			var body []byte
			switch params.Artifact {
			case "routes":
				body = artifacts.Routes
			case "shell":
				body = artifacts.Shell
			case "sni":
				body = artifacts.SNIMap
			case "ports":
				body = artifacts.PortMap
			default:
				return fmt.Errorf("unknown artifact %q (want routes, shell, sni, or ports)", params.Artifact)
			}

			_, err = os.Stdout.Write(body)
			return err
		},
	}
}

// buildGenerator wires a Generator over a fresh registry pool. The
// caller closes the returned store.
func buildGenerator(cfg *config.Config, logger *slog.Logger) (*routinglib.Generator, *registry.Store, error) {
	store, err := registry.Open(registry.Config{
		Path:     cfg.Registry.Path,
		PoolSize: cfg.Registry.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	generator, err := routinglib.New(routinglib.Config{
		ServerID:     cfg.ServerID,
		GeneratedDir: cfg.Paths.GeneratedDir,
		Routing:      cfg.Routing,
		Shell:        cfg.Shell,
		Registry:     store,
		Systemd:      systemd.New(nil, logger, cfg.Service.RestartTimeout.Std()),
		Clock:        clock.Real(),
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return generator, store, nil
}
