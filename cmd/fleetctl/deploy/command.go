// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy implements the deploy command: the full provision,
// register, activate pipeline for one new site.
package deploy

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
	"github.com/webalive/fleet/lib/tasks"
	"github.com/webalive/fleet/pipeline"
	"github.com/webalive/fleet/provision"
	"github.com/webalive/fleet/registry"
	"github.com/webalive/fleet/routing"
)

type deployParams struct {
	cli.JSONOutput
	cli.ConfigFlag
	Template string `flag:"template" desc:"site template, relative to the template root"`
	Org      string `flag:"org"      desc:"owning organization id"`
	Email    string `flag:"email"    desc:"requesting user's contact address, logged for the audit trail"`
}

// Command returns the deploy command.
func Command() *cli.Command {
	var params deployParams

	return &cli.Command{
		Name:    "deploy",
		Summary: "Provision and activate a new site",
		Description: `Run the full deployment pipeline for one hostname: provision a
workspace from the template, register the domain, and activate routing.

TLS certificate issuance is asynchronous; the command reports the new
site immediately and verifies the certificate in the background before
exiting. A failed verification is logged, not fatal: issuance often
completes after DNS propagates.

The same operation is available through the host daemon; running it
here is safe alongside a live daemon because reconcile excludes across
processes.`,
		Usage: "fleetctl deploy <hostname> --template <name> [flags]",
		Examples: []cli.Example{
			{
				Description: "Deploy a new site from a template",
				Command:     "fleetctl deploy shop.example.com --template sveltekit-starter --org acme",
			},
			{
				Description: "Machine-readable result",
				Command:     "fleetctl deploy shop.example.com --template sveltekit-starter --org acme --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("deploy", &params)
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one hostname argument")
			}
			if params.Template == "" {
				return fmt.Errorf("--template is required")
			}

			cfg, err := params.Load()
			if err != nil {
				return err
			}
			return run(ctx, cfg, params, args[0], logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, params deployParams, host string, logger *slog.Logger) error {
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

	result, err := coordinator.Deploy(ctx, pipeline.Request{
		Hostname:     host,
		TemplatePath: params.Template,
		OrgID:        params.Org,
		Email:        params.Email,
	})
	if err != nil {
		return err
	}

	output := ipc.DeployResult{
		Hostname:    result.Hostname,
		Port:        result.Port,
		ServiceName: result.ServiceName,
		CertPending: result.CertPending,
	}
	if done, emitErr := params.EmitJSON(output); done {
		// The certificate probe outcome goes to the log; the JSON
		// result is already on stdout.
		runner.Wait()
		return emitErr
	}

	fmt.Fprintf(os.Stdout, "deployed %s\n", result.Hostname)
	fmt.Fprintf(os.Stdout, "  port:    %d\n", result.Port)
	fmt.Fprintf(os.Stdout, "  service: %s\n", result.ServiceName)
	if result.CertPending {
		fmt.Fprintln(os.Stdout, "  tls:     issuance in progress, verifying in the background")
	}

	// Block until the background probe settles so its verdict reaches
	// the operator's terminal before the process exits.
	runner.Wait()
	return nil
}
