// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package systemd wraps the systemctl and journalctl invocations the
// orchestrator makes against per-site service units and the proxy
// units. Commands run through a Runner so tests can substitute a fake
// and assert on the exact invocations without a live init system.
package systemd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes an external command and returns its combined
// output. The production implementation shells out; tests record.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner returns the production Runner backed by os/exec.
func ExecRunner() Runner { return execRunner{} }

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client issues unit operations with a bounded timeout per call.
type Client struct {
	runner  Runner
	logger  *slog.Logger
	timeout time.Duration
}

// New returns a Client using the given runner. A nil runner means the
// real ExecRunner; a nil logger discards. timeout bounds each
// individual systemctl/journalctl call.
func New(runner Runner, logger *slog.Logger, timeout time.Duration) *Client {
	if runner == nil {
		runner = ExecRunner()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{runner: runner, logger: logger, timeout: timeout}
}

// run executes a command under the client timeout and wraps failures
// with the trimmed output, which for systemctl is the only diagnostic
// there is.
func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.runner.Run(ctx, name, args...)
	if err != nil {
		return output, fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// DaemonReload makes systemd re-read unit files and drop-ins. Required
// after every override write, before the restart that should pick it
// up.
func (c *Client) DaemonReload(ctx context.Context) error {
	_, err := c.run(ctx, "systemctl", "daemon-reload")
	return err
}

// Restart restarts a unit.
func (c *Client) Restart(ctx context.Context, unit string) error {
	_, err := c.run(ctx, "systemctl", "restart", unit)
	return err
}

// Reload asks a unit to reload its configuration in place. Used for
// the proxy and router so in-flight connections survive a routing
// change.
func (c *Client) Reload(ctx context.Context, unit string) error {
	_, err := c.run(ctx, "systemctl", "reload", unit)
	return err
}

// IsActive returns the unit's activation state: "active",
// "activating", "failed", "inactive", etc. systemctl exits nonzero
// for anything but "active"; the state string is still reported, so
// only treat an error with an empty state as a real failure.
func (c *Client) IsActive(ctx context.Context, unit string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.runner.Run(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(string(output))
	if state == "" && err != nil {
		return "", fmt.Errorf("systemctl is-active %s: %w", unit, err)
	}
	return state, nil
}

// UnitLogTail returns the last n journal lines for a unit. Best
// effort: an error yields an explanatory placeholder rather than
// failing the caller, since the tail is diagnostic garnish on a
// failure path that must keep moving.
func (c *Client) UnitLogTail(ctx context.Context, unit string, n int) string {
	output, err := c.run(ctx, "journalctl", "-u", unit, "-n", fmt.Sprint(n), "--no-pager")
	if err != nil {
		c.logger.Warn("journal tail unavailable", "unit", unit, "error", err)
		return fmt.Sprintf("(journal unavailable: %v)", err)
	}
	return strings.TrimSpace(string(output))
}
