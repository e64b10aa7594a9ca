// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package sweep implements the sweep command: report pipeline residue
// without touching it.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/registry"
	sweeplib "github.com/webalive/fleet/sweep"
)

type sweepParams struct {
	cli.JSONOutput
	cli.ConfigFlag
}

// Command returns the sweep command.
func Command() *cli.Command {
	var params sweepParams

	return &cli.Command{
		Name:    "sweep",
		Summary: "Report orphaned workspaces and missing-workspace registrations",
		Description: `Scan the workspace root against the registry and report the two
kinds of pipeline residue: workspace directories with no registration
(a deploy died between provisioning and registering) and registrations
whose workspace is gone.

Report-only: nothing is deleted and nothing is registered. Remediation
is an operator decision.`,
		Usage: "fleetctl sweep [flags]",
		Examples: []cli.Example{
			{
				Description: "Check for deployment residue",
				Command:     "fleetctl sweep",
			},
			{
				Description: "Machine-readable report",
				Command:     "fleetctl sweep --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("sweep", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			cfg, err := params.Load()
			if err != nil {
				return err
			}

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

			sweeper, err := sweeplib.New(sweeplib.Config{
				ServerID:      cfg.ServerID,
				WorkspaceRoot: cfg.Paths.WorkspaceRoot,
				Registry:      store,
				Logger:        logger,
			})
			if err != nil {
				return err
			}

			report, err := sweeper.Run(ctx)
			if err != nil {
				return err
			}

			if done, emitErr := params.EmitJSON(report); done {
				return emitErr
			}

			if report.Clean() {
				fmt.Fprintln(os.Stdout, "clean: every workspace is registered and every registration has a workspace")
				return nil
			}

			if len(report.Orphans) > 0 {
				fmt.Fprintf(os.Stdout, "%d orphaned workspace(s) (provisioned but not registered):\n", len(report.Orphans))
				for _, name := range report.Orphans {
					fmt.Fprintf(os.Stdout, "  %s\n", name)
				}
			}
			if len(report.MissingWorkspace) > 0 {
				fmt.Fprintf(os.Stdout, "%d registration(s) without a workspace:\n", len(report.MissingWorkspace))
				for _, name := range report.MissingWorkspace {
					fmt.Fprintf(os.Stdout, "  %s\n", name)
				}
			}
			return nil
		},
	}
}
