// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostd implements the hostd command group: talk to the
// running host daemon over its unix socket.
package hostd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/ipc"
)

// Command returns the hostd command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "hostd",
		Summary: "Host daemon operations",
		Subcommands: []*cli.Command{
			statusCommand(),
		},
	}
}

type statusParams struct {
	cli.JSONOutput
	cli.ConfigFlag
	Socket string `flag:"socket" desc:"daemon socket path (default: from config)"`
}

func statusCommand() *cli.Command {
	var params statusParams

	return &cli.Command{
		Name:    "status",
		Summary: "Query the running daemon",
		Description: `Dial the host daemon's unix socket and report its status: server
id, version, registered domain count, and uptime. Fails when the
daemon is not running or the socket is not reachable.`,
		Usage: "fleetctl hostd status [flags]",
		Examples: []cli.Example{
			{
				Description: "Check the daemon is up",
				Command:     "fleetctl hostd status",
			},
			{
				Description: "Query a non-default socket",
				Command:     "fleetctl hostd status --socket /run/fleet/hostd.sock",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("status", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			socket := params.Socket
			if socket == "" {
				// Status should work without a config file; fall back
				// to the stock socket path when none is available.
				if cfg, err := params.LoadLenient(); err == nil {
					socket = cfg.Daemon.Socket
				} else {
					socket = config.Default().Daemon.Socket
				}
			}

			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			response, err := ipc.Call(ctx, socket, ipc.Request{Op: "status"})
			if err != nil {
				return err
			}
			if !response.OK {
				return fmt.Errorf("daemon error: %s", response.Error)
			}
			if response.Status == nil {
				return fmt.Errorf("daemon returned no status payload")
			}

			if done, emitErr := params.EmitJSON(response.Status); done {
				return emitErr
			}

			status := response.Status
			fmt.Fprintf(os.Stdout, "server:   %s\n", status.ServerID)
			fmt.Fprintf(os.Stdout, "version:  %s\n", status.Version)
			fmt.Fprintf(os.Stdout, "domains:  %d\n", status.Domains)
			fmt.Fprintf(os.Stdout, "uptime:   %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
			return nil
		},
	}
}
