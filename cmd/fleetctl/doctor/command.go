// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package doctor implements the preflight command: a checklist of
// everything a fleet server needs before it can take deployments.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/cmd/fleetctl/cli/doctor"
)

// doctorParams holds the parameters for the doctor command.
type doctorParams struct {
	cli.JSONOutput
	cli.ConfigFlag
	Fix    bool `flag:"fix"     desc:"automatically repair fixable issues"`
	DryRun bool `flag:"dry-run" desc:"preview repairs without executing (requires --fix)"`
}

// Command returns the doctor command.
func Command() *cli.Command {
	var params doctorParams

	return &cli.Command{
		Name:    "doctor",
		Summary: "Check server readiness for site deployments",
		Description: `Validate this server's deployment infrastructure: configuration,
directories, the domain registry, the router and proxy setup, systemd,
and the health of every registered site.

Runs a series of checks and reports pass/fail/warn for each. Exits with
code 1 if any check fails. Warnings do not affect the exit code.

Use --fix to repair fixable issues (missing orchestrator-owned
directories). Fixes that need elevated privileges are grouped with a
suggestion to re-run under sudo.

Use --fix --dry-run to preview what would be repaired without making
changes.

Use --json for machine-readable output suitable for monitoring.`,
		Usage: "fleetctl doctor [flags]",
		Examples: []cli.Example{
			{
				Description: "Check server health",
				Command:     "fleetctl doctor",
			},
			{
				Description: "Repair missing directories",
				Command:     "sudo fleetctl doctor --fix",
			},
			{
				Description: "Preview repairs without executing",
				Command:     "fleetctl doctor --fix --dry-run",
			},
			{
				Description: "Machine-readable output",
				Command:     "fleetctl doctor --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("doctor", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			if params.DryRun && !params.Fix {
				return fmt.Errorf("--dry-run requires --fix")
			}

			ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()

			return run(ctx, params, logger)
		},
	}
}

func run(ctx context.Context, params doctorParams, logger *slog.Logger) error {
	const maxFixIterations = 5
	repairedNames := make(map[string]bool)
	var aggregateOutcome doctor.Outcome
	var results []doctor.Result

	for i := 0; i < maxFixIterations; i++ {
		results = checkServer(ctx, params, logger)

		if !params.Fix {
			break
		}

		for _, result := range results {
			if result.Status == doctor.StatusFail {
				repairedNames[result.Name] = true
			}
		}

		outcome := doctor.ExecuteFixes(ctx, results, params.DryRun, nil)
		if outcome.PermissionDenied {
			aggregateOutcome.PermissionDenied = true
		}
		aggregateOutcome.ElevatedSkipped += outcome.ElevatedSkipped
		if outcome.FixedCount == 0 || params.DryRun {
			break
		}

		// Fixes are filesystem operations (mkdir, schema init); their
		// effect is visible to the next iteration immediately, so no
		// settling delay is needed before re-checking.
	}

	doctor.MarkRepaired(results, repairedNames)

	if done, err := params.EmitJSON(doctor.BuildJSON(results, params.DryRun, aggregateOutcome)); done {
		if err != nil {
			return err
		}
		for _, result := range results {
			if result.Status == doctor.StatusFail {
				return &cli.ExitError{Code: 1}
			}
		}
		return nil
	}
	return doctor.PrintChecklist(results, params.Fix, params.DryRun, aggregateOutcome)
}
