// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete fleetctl command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	deploycmd "github.com/webalive/fleet/cmd/fleetctl/deploy"
	doctorcmd "github.com/webalive/fleet/cmd/fleetctl/doctor"
	domaincmd "github.com/webalive/fleet/cmd/fleetctl/domain"
	hostdcmd "github.com/webalive/fleet/cmd/fleetctl/hostd"
	routingcmd "github.com/webalive/fleet/cmd/fleetctl/routing"
	servicecmd "github.com/webalive/fleet/cmd/fleetctl/service"
	sweepcmd "github.com/webalive/fleet/cmd/fleetctl/sweep"
	"github.com/webalive/fleet/lib/version"
)

// Root builds and returns the complete fleetctl command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "fleetctl",
		Description: `fleetctl: per-server website orchestration.

Deploy tenant sites from templates, switch them between dev and build
serving modes, and keep the routing layer (Caddy, SNI router, preview
proxy) in sync with the domain registry.`,
		Subcommands: []*cli.Command{
			deploycmd.Command(),
			servicecmd.Command(),
			routingcmd.Command(),
			domaincmd.Command(),
			sweepcmd.Command(),
			doctorcmd.Command(),
			hostdcmd.Command(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					fmt.Printf("fleetctl %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Check this server is ready for deployments (start here)",
				Command:     "fleetctl doctor",
			},
			{
				Description: "Deploy a new site",
				Command:     "fleetctl deploy shop.example.com --template sveltekit-starter --org acme",
			},
			{
				Description: "Promote a site to its compiled build",
				Command:     "fleetctl service switch shop.example.com --mode build",
			},
			{
				Description: "List this server's domains",
				Command:     "fleetctl domain list",
			},
			{
				Description: "Regenerate routing after a manual registry change",
				Command:     "fleetctl routing reconcile",
			},
			{
				Description: "Check the host daemon",
				Command:     "fleetctl hostd status",
			},
		},
	}
}
