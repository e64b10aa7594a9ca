// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "fleetctl",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "routing",
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					called = "routing"
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"routing"}, testLogger()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "routing" {
		t.Errorf("dispatched to %q, want %q", called, "routing")
	}
}

func TestCommand_Execute_NestedSubcommands(t *testing.T) {
	var called string
	var receivedArgs []string

	root := &Command{
		Name: "fleetctl",
		Subcommands: []*Command{
			{
				Name: "service",
				Subcommands: []*Command{
					{
						Name: "switch",
						Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
							called = "service switch"
							receivedArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"service", "switch", "a.example.com"}, testLogger()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "service switch" {
		t.Errorf("dispatched to %q, want %q", called, "service switch")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "a.example.com" {
		t.Errorf("args = %v, want [a.example.com]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var socketPath string
	var target string

	command := &Command{
		Name: "status",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "/default.sock", "socket path")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				target = args[0]
			}
			return nil
		},
	}

	if err := command.Execute(context.Background(), []string{"--socket", "/custom.sock", "a.example.com"}, testLogger()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if socketPath != "/custom.sock" {
		t.Errorf("socketPath = %q, want %q", socketPath, "/custom.sock")
	}
	if target != "a.example.com" {
		t.Errorf("target = %q, want %q", target, "a.example.com")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "switch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("switch", pflag.ContinueOnError)
			flagSet.Bool("no-build", false, "skip the compile step")
			flagSet.String("mode", "", "target mode")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--mdoe", "build"}, testLogger())
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --mode") {
		t.Errorf("error = %q, want suggestion for '--mode'", errStr)
	}
	if !strings.Contains(errStr, "mdoe") {
		t.Errorf("error = %q, should mention the bad flag", errStr)
	}
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestCommand_Execute_UnknownFlagNoSuggestion(t *testing.T) {
	command := &Command{
		Name: "switch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("switch", pflag.ContinueOnError)
			flagSet.Bool("no-build", false, "skip the compile step")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--zzzzzzzzz"}, testLogger())
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "fleetctl",
		Subcommands: []*Command{
			{Name: "routing"},
			{Name: "service"},
			{Name: "version"},
		},
	}

	err := root.Execute(context.Background(), []string{"rouitng"}, testLogger())
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"routing\"") {
		t.Errorf("error = %q, want suggestion for 'routing'", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandNoSuggestion(t *testing.T) {
	root := &Command{
		Name: "fleetctl",
		Subcommands: []*Command{
			{Name: "routing"},
			{Name: "service"},
		},
	}

	err := root.Execute(context.Background(), []string{"zzzzzzz"}, testLogger())
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not contain suggestion for distant input", err.Error())
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			root := &Command{
				Name:    "fleetctl",
				Summary: "Per-server website orchestration",
				Subcommands: []*Command{
					{Name: "routing", Summary: "Routing artifact operations"},
				},
			}

			err := root.Execute(context.Background(), []string{helpArg}, testLogger())
			if err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name: "fleetctl",
		Subcommands: []*Command{
			{Name: "routing", Summary: "Routing artifact operations"},
		},
	}

	err := root.Execute(context.Background(), []string{}, testLogger())
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "fleetctl",
		Description: "Per-server orchestrator for tenant websites.",
		Subcommands: []*Command{
			{Name: "deploy", Summary: "Provision and activate a new site"},
			{Name: "routing", Summary: "Routing artifact operations"},
			{Name: "version", Summary: "Print version information"},
		},
		Examples: []Example{
			{
				Description: "Deploy a new site",
				Command:     "fleetctl deploy shop.example.com --template sveltekit-starter --org acme",
			},
			{
				Description: "Regenerate routing after hand-editing the registry",
				Command:     "fleetctl routing reconcile",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	// Verify structural elements are present.
	for _, want := range []string{
		"Per-server orchestrator for tenant websites.",
		"Usage:",
		"fleetctl <command> [flags]",
		"Commands:",
		"deploy",
		"Provision and activate a new site",
		"routing",
		"Routing artifact operations",
		"Examples:",
		"fleetctl deploy shop.example.com",
		"fleetctl routing reconcile",
		"Run 'fleetctl <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_PrintHelp_WithFlags(t *testing.T) {
	command := &Command{
		Name:    "status",
		Summary: "Query the host daemon",
		Usage:   "fleetctl hostd status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.String("socket", "/run/fleet/hostd.sock", "daemon socket path")
			flagSet.Bool("json", false, "output as JSON")
			return flagSet
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"fleetctl hostd status [flags]",
		"Flags:",
		"socket",
		"json",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_FullName(t *testing.T) {
	root := &Command{Name: "fleetctl"}
	service := &Command{Name: "service", parent: root}
	switchCommand := &Command{Name: "switch", parent: service}

	if got := root.fullName(); got != "fleetctl" {
		t.Errorf("root.fullName() = %q, want %q", got, "fleetctl")
	}
	if got := service.fullName(); got != "fleetctl service" {
		t.Errorf("service.fullName() = %q, want %q", got, "fleetctl service")
	}
	if got := switchCommand.fullName(); got != "fleetctl service switch" {
		t.Errorf("switch.fullName() = %q, want %q", got, "fleetctl service switch")
	}
}
