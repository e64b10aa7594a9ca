// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the service command group: switch a
// site's serving mode and query the current one.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/ipc"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/lifecycle"
	"github.com/webalive/fleet/registry"
)

// Command returns the service command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "service",
		Summary: "Site service mode operations",
		Description: `Manage the serving mode of a site's systemd service: dev (source
through the template's dev server) or build (the compiled site).`,
		Subcommands: []*cli.Command{
			switchCommand(),
			modeCommand(),
		},
	}
}

type switchParams struct {
	cli.JSONOutput
	cli.ConfigFlag
	Mode    string `flag:"mode"     desc:"target mode: dev or build"`
	NoBuild bool   `flag:"no-build" desc:"skip the compile step before a build-mode switch"`
}

func switchCommand() *cli.Command {
	var params switchParams

	return &cli.Command{
		Name:    "switch",
		Summary: "Switch a site between dev and build mode",
		Description: `Move a site's service to the target mode. A build-mode switch
compiles the site first (unless --no-build), rewrites the unit's
override, and restarts the service. A build that crashes on startup is
rolled back to dev automatically; the command reports the revert and
the crash diagnostic, and exits zero because the site is up.

Switching to the mode already in effect still restarts the service but
skips the compile step.`,
		Usage: "fleetctl service switch <hostname> --mode <dev|build> [flags]",
		Examples: []cli.Example{
			{
				Description: "Promote a site to its compiled build",
				Command:     "fleetctl service switch shop.example.com --mode build",
			},
			{
				Description: "Restart the compiled site without rebuilding",
				Command:     "fleetctl service switch shop.example.com --mode build --no-build",
			},
			{
				Description: "Drop back to the dev server",
				Command:     "fleetctl service switch shop.example.com --mode dev",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("switch", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one hostname argument")
			}
			if params.Mode == "" {
				return fmt.Errorf("--mode is required (dev or build)")
			}
			target, err := lifecycle.ParseMode(params.Mode)
			if err != nil {
				return err
			}

			cfg, err := params.Load()
			if err != nil {
				return err
			}

			manager, store, err := buildManager(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := manager.SwitchMode(ctx, args[0], target, !params.NoBuild)
			if err != nil {
				return err
			}

			output := ipc.SwitchResult{
				Hostname:      report.Hostname,
				Mode:          string(report.Mode),
				AlreadyInMode: report.AlreadyInMode,
				Reverted:      report.Reverted,
				Diagnostic:    report.Diagnostic,
			}
			if done, emitErr := params.EmitJSON(output); done {
				return emitErr
			}

			switch {
			case report.Reverted:
				fmt.Fprintf(os.Stdout, "%s: build crashed on startup, reverted to dev\n", report.Hostname)
				if report.Diagnostic != "" {
					fmt.Fprintf(os.Stdout, "\n%s\n", report.Diagnostic)
				}
			case report.AlreadyInMode:
				fmt.Fprintf(os.Stdout, "%s: already in %s mode, service restarted\n", report.Hostname, report.Mode)
			default:
				fmt.Fprintf(os.Stdout, "%s: now in %s mode\n", report.Hostname, report.Mode)
			}
			return nil
		},
	}
}

type modeParams struct {
	cli.JSONOutput
	cli.ConfigFlag
}

func modeCommand() *cli.Command {
	var params modeParams

	return &cli.Command{
		Name:    "mode",
		Summary: "Print a site's current serving mode",
		Usage:   "fleetctl service mode <hostname> [flags]",
		Examples: []cli.Example{
			{
				Description: "Check which mode a site serves in",
				Command:     "fleetctl service mode shop.example.com",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("mode", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one hostname argument")
			}

			cfg, err := params.Load()
			if err != nil {
				return err
			}

			manager, store, err := buildManager(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			mode, err := manager.CurrentMode(args[0])
			if err != nil {
				return err
			}

			if done, emitErr := params.EmitJSON(struct {
				Hostname string `json:"hostname"`
				Mode     string `json:"mode"`
			}{args[0], string(mode)}); done {
				return emitErr
			}

			fmt.Fprintln(os.Stdout, mode)
			return nil
		},
	}
}

// buildManager wires a lifecycle Manager over a fresh registry pool.
// The caller closes the returned store.
func buildManager(cfg *config.Config, logger *slog.Logger) (*lifecycle.Manager, *registry.Store, error) {
	store, err := registry.Open(registry.Config{
		Path:     cfg.Registry.Path,
		PoolSize: cfg.Registry.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	manager, err := lifecycle.New(lifecycle.Config{
		Service:  cfg.Service,
		Paths:    cfg.Paths,
		Registry: store,
		Systemd:  systemd.New(nil, logger, cfg.Service.RestartTimeout.Std()),
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return manager, store, nil
}
