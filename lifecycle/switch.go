// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/webalive/fleet/lib/atomicfile"
	"github.com/webalive/fleet/lib/hostname"
)

const (
	// healthStep and healthBudget bound the post-restart poll: how
	// long a build-mode service gets to reach "active" before it is
	// declared crashed and rolled back. Node services that survive
	// their first few seconds stay up; ones with a broken build die
	// immediately.
	healthStep   = 500 * time.Millisecond
	healthBudget = 8 * time.Second

	// crashTailLines is how much journal context a rollback captures.
	crashTailLines = 40
)

// SwitchMode moves a site's service to the target mode and returns
// what actually happened. Switches for the same hostname serialize;
// the registry record supplies the site's port.
//
// The failure surface is deliberately asymmetric. Anything that goes
// wrong before configuration is touched (a failing build step) aborts
// with the live service exactly as it was. Anything that goes wrong
// after a build-mode restart rolls back to dev automatically and
// reports Reverted with a nil error. Only a service that cannot run
// in dev mode, where nothing is left to fall back to, comes back as a
// *SwitchError from the restart stage.
func (m *Manager) SwitchMode(ctx context.Context, host string, target Mode, buildFirst bool) (SwitchReport, error) {
	if err := hostname.Validate(host); err != nil {
		return SwitchReport{}, fmt.Errorf("lifecycle: %w", err)
	}
	if !validMode(target) {
		return SwitchReport{}, fmt.Errorf("lifecycle: unknown mode %q (want %q or %q)", target, ModeDev, ModeBuild)
	}

	m.locks.Lock(host)
	defer m.locks.Unlock(host)

	record, err := m.registry.Get(ctx, host)
	if err != nil {
		return SwitchReport{}, fmt.Errorf("lifecycle: looking up %s: %w", host, err)
	}

	unit := m.UnitName(host)
	appDir := m.appDir(host)

	current, err := readOverrideMode(m.overridePath(unit))
	if err != nil {
		// A corrupt marker must not wedge the site. Assuming dev makes
		// the switch below rewrite the file cleanly.
		m.logger.Warn("unreadable override mode, assuming dev",
			"unit", unit,
			"error", err,
		)
		current = ModeDev
	}

	report := SwitchReport{
		Hostname:      host,
		Mode:          target,
		AlreadyInMode: current == target,
	}

	journal := &Journal{
		Hostname:  host,
		From:      current,
		To:        target,
		Phase:     phaseStarted,
		StartedAt: m.clock.Now().UTC(),
	}
	journalPath := m.journalPath(unit)
	if err := m.writeJournal(journal, journalPath); err != nil {
		return SwitchReport{}, fmt.Errorf("lifecycle: %w", err)
	}
	defer m.removeJournal(journalPath)

	if healed, err := healManifest(appDir); err != nil {
		m.logger.Warn("manifest self-heal skipped",
			"hostname", host,
			"error", err,
		)
	} else if healed {
		m.logger.Info("upgraded site manifest to run the API process",
			"hostname", host,
		)
	}

	// The build step runs before any configuration changes, so a
	// broken build aborts with the running service untouched. A
	// build→build no-op skips it: the existing output is what the
	// operator asked to keep serving.
	if target == ModeBuild && buildFirst && !report.AlreadyInMode {
		m.updateJournal(journal, journalPath, phaseBuilding)
		if err := m.runBuildStep(ctx, host, record.Port, appDir); err != nil {
			return SwitchReport{}, err
		}
	}

	m.updateJournal(journal, journalPath, phaseApplying)
	applyErr := m.applyOverride(ctx, unit, target, record.Port, appDir)

	if target == ModeDev {
		if applyErr != nil {
			return SwitchReport{}, &SwitchError{
				Hostname: host,
				Stage:    "restart",
				Output:   applyErr.Error(),
				Err:      applyErr,
			}
		}
		m.logger.Info("service mode switched",
			"hostname", host,
			"unit", unit,
			"mode", target,
			"already_in_mode", report.AlreadyInMode,
		)
		return report, nil
	}

	// Build mode has to prove itself: the restart may have installed a
	// service that dies on startup.
	if applyErr == nil {
		if state := m.awaitActive(ctx, unit); state == "active" {
			m.logger.Info("service mode switched",
				"hostname", host,
				"unit", unit,
				"mode", target,
				"already_in_mode", report.AlreadyInMode,
			)
			return report, nil
		}
	}

	return m.revertToDev(ctx, report, journal, journalPath, unit, record.Port, appDir, applyErr)
}

// revertToDev rolls a crashed build-mode switch back to dev. The
// revert outcome is the report, not an error: the caller asked for
// build, got dev, and the diagnostic says why. Only a dev restart
// failure, with no safer mode left, escalates to a *SwitchError.
func (m *Manager) revertToDev(ctx context.Context, report SwitchReport, journal *Journal, journalPath, unit string, port uint16, appDir string, applyErr error) (SwitchReport, error) {
	m.updateJournal(journal, journalPath, phaseReverting)

	diagnostic := m.systemd.UnitLogTail(ctx, unit, crashTailLines)
	if applyErr != nil {
		diagnostic = applyErr.Error() + "\n" + diagnostic
	}

	m.logger.Warn("build mode failed to start, reverting to dev",
		"hostname", report.Hostname,
		"unit", unit,
	)

	if err := m.applyOverride(ctx, unit, ModeDev, port, appDir); err != nil {
		return SwitchReport{}, &SwitchError{
			Hostname: report.Hostname,
			Stage:    "restart",
			Output:   diagnostic,
			Err:      fmt.Errorf("dev restart after failed build switch: %w", err),
		}
	}

	if path, err := m.writeCrashReport(report.Hostname, unit, diagnostic); err != nil {
		m.logger.Warn("could not archive crash report",
			"unit", unit,
			"error", err,
		)
	} else {
		m.logger.Info("archived crash report",
			"unit", unit,
			"path", path,
		)
	}

	report.Mode = ModeDev
	report.Reverted = true
	report.Diagnostic = diagnostic
	return report, nil
}

// applyOverride writes the mode's override file and restarts the unit
// under it. The write is atomic and the daemon-reload precedes the
// restart so systemd picks the new command up.
func (m *Manager) applyOverride(ctx context.Context, unit string, mode Mode, port uint16, appDir string) error {
	command := m.service.DevCommand
	if mode == ModeBuild {
		command = m.service.BuildCommand
	}
	expanded := expandCommand(command, port, appDir)

	path := m.overridePath(unit)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating override directory: %w", err)
	}
	if err := atomicfile.WriteFile(path, renderOverride(mode, port, expanded), 0o644); err != nil {
		return fmt.Errorf("writing override: %w", err)
	}

	if err := m.systemd.DaemonReload(ctx); err != nil {
		return err
	}
	return m.systemd.Restart(ctx, unit)
}

// awaitActive polls the unit state until it is conclusively up or
// down, or the budget elapses. "activating" keeps waiting; "failed"
// is terminal and returns immediately.
func (m *Manager) awaitActive(ctx context.Context, unit string) string {
	deadline := m.clock.Now().Add(healthBudget)
	for {
		state, err := m.systemd.IsActive(ctx, unit)
		if err != nil {
			state = "unknown"
		}
		switch state {
		case "active", "failed":
			return state
		}
		if ctx.Err() != nil || !m.clock.Now().Before(deadline) {
			return state
		}
		m.clock.Sleep(healthStep)
	}
}

// runBuildStep compiles the site before a build-mode switch. The
// command template comes from service configuration with the site's
// port and app directory substituted; it runs in the app directory
// under the build timeout with stdout and stderr captured separately.
func (m *Manager) runBuildStep(ctx context.Context, host string, port uint16, appDir string) error {
	command := expandCommand(m.service.BuildStep, port, appDir)
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return &SwitchError{
			Hostname: host,
			Stage:    "build",
			Err:      errors.New("build step expanded to an empty command"),
		}
	}

	timeout := m.service.BuildTimeout.Std()
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(buildCtx, argv[0], argv[1:]...)
	cmd.Dir = appDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Build tools spawn children that inherit the output pipes; don't
	// wait on a straggler past the kill.
	cmd.WaitDelay = 5 * time.Second

	m.logger.Info("running build step",
		"hostname", host,
		"command", command,
	)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		return &SwitchError{
			Hostname: host,
			Stage:    "build",
			Output:   combinedOutput(stderr, stdout),
			Err:      fmt.Errorf("build step failed: %w", err),
		}
	}

	m.logger.Info("build step succeeded",
		"hostname", host,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// combinedOutput joins the captured streams for error reporting,
// stderr first because that is where build tools explain themselves.
func combinedOutput(stderr, stdout bytes.Buffer) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(stderr.String()); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(stdout.String()); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}
