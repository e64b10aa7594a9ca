// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle switches tenant site services between their two
// serving modes and keeps a crashed switch from taking a site down.
//
// A site unit runs in one of two modes. Dev serves source with hot
// reload: slow, always works. Build serves the compiled output: fast,
// but only as good as the last build. The mode is recorded in the
// unit's systemd override file, which is the single source of truth;
// there is no cached state to drift out of sync with what systemd
// actually runs.
//
// Switching into build mode is the dangerous direction, so it is
// guarded twice: the optional build step runs before any configuration
// is touched (a broken build aborts with the live service untouched),
// and after the restart the unit is health-polled and automatically
// reverted to dev if it failed to come up. An auto-revert is reported,
// not returned as an error: the site is serving again, just not in
// the requested mode.
package lifecycle

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/hostname"
	"github.com/webalive/fleet/lib/keymutex"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/registry"
)

// Mode is a service serving mode.
type Mode string

const (
	// ModeDev serves source through the template's dev server. The
	// safe mode: it needs no build output and is what crash rollback
	// falls back to.
	ModeDev Mode = "dev"

	// ModeBuild serves the compiled site.
	ModeBuild Mode = "build"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDev, ModeBuild:
		return Mode(s), nil
	}
	return "", fmt.Errorf("lifecycle: unknown mode %q (want %q or %q)", s, ModeDev, ModeBuild)
}

// SwitchReport is the outcome of a completed SwitchMode call.
type SwitchReport struct {
	Hostname string

	// Mode is the mode actually in effect when the call returned. On
	// an auto-revert this is ModeDev regardless of the request.
	Mode Mode

	// AlreadyInMode reports that the service was already in the
	// requested mode. The unit was still restarted, but the build
	// step was skipped.
	AlreadyInMode bool

	// Reverted reports that the requested build mode crashed on
	// startup and the service was rolled back to dev. Not an error:
	// the site is up.
	Reverted bool

	// Diagnostic carries the journal tail explaining a revert.
	Diagnostic string
}

// SwitchError is a mode switch failure. Stage "build" means the build
// step failed before any configuration was touched, so the live
// service is exactly as it was. Stage "restart" means the dev-mode
// service could not be (re)started; there is no safer mode to fall
// back to, so this one needs an operator.
type SwitchError struct {
	Hostname string
	Stage    string
	Output   string
	Err      error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("switching %s: %v", e.Hostname, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }

// Config holds the collaborators for a lifecycle Manager.
type Config struct {
	// Service carries the unit naming scheme and the mode command
	// templates.
	Service config.ServiceConfig

	// Paths locates workspaces, override files, and per-site state.
	Paths config.PathsConfig

	// Registry resolves a hostname to its allocated port. Required.
	Registry *registry.Store

	// Systemd issues the reload/restart/is-active calls. Required.
	Systemd *systemd.Client

	// Clock drives restart health polling. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Manager performs mode switches. Safe for concurrent use; switches
// for the same hostname serialize on a key mutex, different hostnames
// proceed independently.
type Manager struct {
	service  config.ServiceConfig
	paths    config.PathsConfig
	registry *registry.Store
	systemd  *systemd.Client
	clock    clock.Clock
	logger   *slog.Logger
	locks    *keymutex.Table
}

// New validates the configuration and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("lifecycle: Registry is required")
	}
	if cfg.Systemd == nil {
		return nil, fmt.Errorf("lifecycle: Systemd is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("lifecycle: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("lifecycle: Logger is required")
	}

	return &Manager{
		service:  cfg.Service,
		paths:    cfg.Paths,
		registry: cfg.Registry,
		systemd:  cfg.Systemd,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		locks:    keymutex.New(),
	}, nil
}

// CurrentMode reads the mode a site's service is configured to run
// in. The override file is consulted every time; a missing file means
// the unit runs its base (dev) command.
func (m *Manager) CurrentMode(host string) (Mode, error) {
	if err := hostname.Validate(host); err != nil {
		return "", fmt.Errorf("lifecycle: %w", err)
	}
	mode, err := readOverrideMode(m.overridePath(m.UnitName(host)))
	if err != nil {
		return "", fmt.Errorf("lifecycle: %w", err)
	}
	return mode, nil
}

// InterruptedSwitch reports a switch journal left behind by a switch
// that never completed (the process died mid-operation). Returns nil
// when there is none. The journal says how far the switch got; the
// doctor surfaces it as a warning.
func (m *Manager) InterruptedSwitch(host string) (*Journal, error) {
	if err := hostname.Validate(host); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	journal, err := loadJournal(m.journalPath(m.UnitName(host)))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	return journal, nil
}

// UnitName derives the systemd unit for a site:
// <unit_prefix><label>.service.
func (m *Manager) UnitName(host string) string {
	return m.service.UnitPrefix + hostname.Label(host) + ".service"
}

// overridePath is the unit's drop-in file, the mode source of truth.
func (m *Manager) overridePath(unit string) string {
	return filepath.Join(m.paths.OverrideRoot, unit+".d", "override.conf")
}

// stateDir holds the orchestrator's per-site runtime state: the
// switch journal and crash reports.
func (m *Manager) stateDir(unit string) string {
	return filepath.Join(m.paths.SiteRoot, unit)
}

func (m *Manager) journalPath(unit string) string {
	return filepath.Join(m.stateDir(unit), journalFileName)
}

// appDir is the directory mode commands and the build step run
// against.
func (m *Manager) appDir(host string) string {
	return filepath.Join(m.paths.WorkspaceRoot, host, m.service.AppSubdir)
}

// validMode reports whether a Mode value (possibly cast from an
// arbitrary string) is one of the two known modes.
func validMode(mode Mode) bool {
	_, err := ParseMode(string(mode))
	return err == nil
}
