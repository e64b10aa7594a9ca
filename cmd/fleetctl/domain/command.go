// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package domain implements the domain command group: list this
// server's registry records and remove one.
package domain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/webalive/fleet/cmd/fleetctl/cli"
	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/registry"
	routinglib "github.com/webalive/fleet/routing"
)

// Command returns the domain command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "domain",
		Summary: "Domain registry operations",
		Description: `Inspect and edit the domain registry: the authoritative record of
which hostnames this server serves and on which ports.`,
		Subcommands: []*cli.Command{
			listCommand(),
			removeCommand(),
		},
	}
}

// domainRow is the JSON shape for one registry record.
type domainRow struct {
	Hostname  string    `json:"hostname"`
	Port      uint16    `json:"port"`
	OrgID     string    `json:"org_id"`
	TestEnv   bool      `json:"test_env,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type listParams struct {
	cli.JSONOutput
	cli.ConfigFlag
}

func listCommand() *cli.Command {
	var params listParams

	return &cli.Command{
		Name:    "list",
		Summary: "List domains registered to this server",
		Usage:   "fleetctl domain list [flags]",
		Examples: []cli.Example{
			{
				Description: "List this server's domains",
				Command:     "fleetctl domain list",
			},
			{
				Description: "Machine-readable listing",
				Command:     "fleetctl domain list --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("list", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			cfg, err := params.Load()
			if err != nil {
				return err
			}

			store, err := openRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListForServer(ctx, cfg.ServerID)
			if err != nil {
				return err
			}

			rows := make([]domainRow, 0, len(records))
			for _, record := range records {
				rows = append(rows, domainRow{
					Hostname:  record.Hostname,
					Port:      record.Port,
					OrgID:     record.OrgID,
					TestEnv:   record.IsTestEnv,
					CreatedAt: record.CreatedAt,
				})
			}
			if done, emitErr := params.EmitJSON(rows); done {
				return emitErr
			}

			if len(rows) == 0 {
				fmt.Fprintf(os.Stdout, "no domains registered for %s\n", cfg.ServerID)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "HOSTNAME\tPORT\tORG\tENV\tCREATED")
			for _, row := range rows {
				env := "prod"
				if row.TestEnv {
					env = "test"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					row.Hostname, row.Port, row.OrgID, env,
					row.CreatedAt.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}
}

type removeParams struct {
	cli.ConfigFlag
}

func removeCommand() *cli.Command {
	var params removeParams

	return &cli.Command{
		Name:    "remove",
		Summary: "Remove a domain's registration and deactivate its routing",
		Description: `Delete a hostname's registry record and reconcile routing so the
proxy stops serving it. The workspace directory and the site's service
unit are left in place; only the registration goes away. A later sweep
reports the workspace as an orphan.`,
		Usage: "fleetctl domain remove <hostname> [flags]",
		Examples: []cli.Example{
			{
				Description: "Unregister a site and stop routing to it",
				Command:     "fleetctl domain remove shop.example.com",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("remove", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one hostname argument")
			}
			host := args[0]

			cfg, err := params.Load()
			if err != nil {
				return err
			}

			store, err := openRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.Get(ctx, host)
			if err != nil {
				return err
			}
			if record.ServerID != cfg.ServerID {
				return fmt.Errorf("%s is registered to server %s, not this one (%s)",
					host, record.ServerID, cfg.ServerID)
			}

			if err := store.Delete(ctx, host); err != nil {
				return err
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
				return err
			}
			if err := generator.Reconcile(ctx); err != nil {
				return fmt.Errorf("record removed, but routing reconcile failed: %w", err)
			}

			fmt.Fprintf(os.Stdout, "removed %s (port %d); routing reconciled, workspace left in place\n",
				host, record.Port)
			return nil
		},
	}
}

func openRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Store, error) {
	return registry.Open(registry.Config{
		Path:     cfg.Registry.Path,
		PoolSize: cfg.Registry.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
}
