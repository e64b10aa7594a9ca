// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Command fleetctl is the operator CLI for the fleet host: deploy sites,
// switch serving modes, reconcile routing, and inspect server health.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/cmd/fleetctl/commands"
	"github.com/webalive/fleet/lib/process"
)

func main() {
	// --verbose is peeled off before dispatch so it works in any
	// position, for any subcommand, without each command declaring it.
	args := make([]string, 0, len(os.Args)-1)
	level := slog.LevelInfo
	for _, arg := range os.Args[1:] {
		if arg == "--verbose" || arg == "-v" {
			level = slog.LevelDebug
			continue
		}
		args = append(args, arg)
	}
	logger := cli.NewCommandLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.Root().Execute(ctx, args, logger); err != nil {
		// Commands that print their own diagnostics (doctor, deploy with
		// --json) return an ExitError so the failure is not reported twice.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}
