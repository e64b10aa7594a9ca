// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing regenerates the reverse-proxy and TCP-router
// configuration from registry state. Reconcile is the only write path
// for routing artifacts: it renders everything wholesale, publishes
// each file with an atomic rename, and reloads (never restarts) the
// consuming units. Running it twice with an unchanged registry does
// nothing.
package routing

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/webalive/fleet/lib/atomicfile"
	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/keymutex"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/registry"
)

// lockFileName sits in the generated directory and carries the
// advisory flock that keeps a CLI reconcile and the daemon's from
// interleaving renders.
const lockFileName = ".reconcile.lock"

// Config holds the collaborators for a routing generator.
type Config struct {
	// ServerID scopes the registry read and appears in headers.
	ServerID string

	// GeneratedDir holds the artifacts and the reconcile lock file.
	GeneratedDir string

	// Routing carries the artifact paths, preview settings, and the
	// units to reload.
	Routing config.RoutingConfig

	// Shell carries the shell front-door domains.
	Shell config.ShellConfig

	// Registry is the record source. Required.
	Registry *registry.Store

	// Systemd reloads the proxy and router units. Required.
	Systemd *systemd.Client

	// Clock timestamps artifact headers.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Generator renders and publishes routing artifacts. Safe for
// concurrent use: renders for the same server serialize in-process on
// a key mutex and across processes on the lock file.
type Generator struct {
	serverID     string
	generatedDir string
	routing      config.RoutingConfig
	shell        config.ShellConfig
	registry     *registry.Store
	systemd      *systemd.Client
	clock        clock.Clock
	logger       *slog.Logger
	locks        *keymutex.Table
}

// New validates the configuration and returns a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("routing: Registry is required")
	}
	if cfg.Systemd == nil {
		return nil, fmt.Errorf("routing: Systemd is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("routing: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("routing: Logger is required")
	}

	return &Generator{
		serverID:     cfg.ServerID,
		generatedDir: cfg.GeneratedDir,
		routing:      cfg.Routing,
		shell:        cfg.Shell,
		registry:     cfg.Registry,
		systemd:      cfg.Systemd,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		locks:        keymutex.New(),
	}, nil
}

// RenderAll returns the artifact set for the current registry state
// without writing or reloading anything.
func (g *Generator) RenderAll(ctx context.Context) (Artifacts, error) {
	records, err := g.registry.ListForServer(ctx, g.serverID)
	if err != nil {
		return Artifacts{}, fmt.Errorf("routing: %w", err)
	}
	return g.render(records), nil
}

// Reconcile regenerates all routing artifacts from the registry and
// reloads the proxy and router units. Idempotent: when the rendered
// state matches the deployed state (by digest), neither files nor
// units are touched. Safe to call at boot, on SIGHUP, and after every
// registration.
func (g *Generator) Reconcile(ctx context.Context) error {
	g.locks.Lock(g.serverID)
	defer g.locks.Unlock(g.serverID)

	unlock, err := g.lockGeneratedDir()
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	defer unlock()

	records, err := g.registry.ListForServer(ctx, g.serverID)
	if err != nil {
		return fmt.Errorf("routing: listing records: %w", err)
	}

	artifacts := g.render(records)

	if deployed, ok := deployedDigest(g.routing.RoutesFile); ok && deployed == artifacts.Digest {
		g.logger.Debug("routing unchanged, skipping write and reload",
			"domains", artifacts.Domains,
		)
		return nil
	}

	files := []struct {
		path string
		data []byte
	}{
		{g.routing.RoutesFile, artifacts.Routes},
		{g.routing.ShellRoutesFile, artifacts.Shell},
		{g.routing.SNIMapFile, artifacts.SNIMap},
		{g.routing.PortMapFile, artifacts.PortMap},
	}
	for _, file := range files {
		if err := atomicfile.WriteFile(file.path, file.data, 0o644); err != nil {
			return fmt.Errorf("routing: writing %s: %w", filepath.Base(file.path), err)
		}
	}

	if err := g.reloadUnits(ctx); err != nil {
		// The files are live but a consumer missed the change. Void
		// the recorded digest so the next reconcile rewrites and
		// reloads instead of skipping.
		g.voidDigest()
		return fmt.Errorf("routing: %w", err)
	}

	g.logger.Info("routing reconciled",
		"domains", artifacts.Domains,
		"routes", g.routing.RoutesFile,
	)
	return nil
}

// reloadUnits tells the reverse proxy and the TCP router to pick up
// the new artifacts in place.
func (g *Generator) reloadUnits(ctx context.Context) error {
	if err := g.systemd.Reload(ctx, g.routing.ProxyUnit); err != nil {
		return fmt.Errorf("reloading proxy: %w", err)
	}
	if err := g.systemd.Reload(ctx, g.routing.RouterUnit); err != nil {
		return fmt.Errorf("reloading router: %w", err)
	}
	return nil
}

// lockGeneratedDir takes the cross-process advisory lock. Blocks
// until the holder releases it.
func (g *Generator) lockGeneratedDir() (func(), error) {
	path := filepath.Join(g.generatedDir, lockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening reconcile lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}

// deployedDigest reads the digest recorded in the deployed routes
// file header. Missing file or missing digest line reports false and
// forces a full write.
func deployedDigest(path string) (string, bool) {
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for lines := 0; lines < 4 && scanner.Scan(); lines++ {
		line := scanner.Text()
		if digest, found := strings.CutPrefix(line, digestPrefix); found {
			return digest, true
		}
	}
	return "", false
}

// voidDigest strips the digest line from the deployed routes file so
// the next reconcile rewrites and reloads instead of skipping. Best
// effort: if this rewrite of a just-written file also fails, the
// stale digest could suppress the retry's reload, so the Warn below
// is the operator's cue to reload by hand.
func (g *Generator) voidDigest() {
	data, err := os.ReadFile(g.routing.RoutesFile)
	if err != nil {
		return
	}
	lines := bytes.SplitN(data, []byte("\n"), 3)
	kept := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if bytes.HasPrefix(line, []byte(digestPrefix)) {
			continue
		}
		kept = append(kept, line)
	}
	if err := atomicfile.WriteFile(g.routing.RoutesFile, bytes.Join(kept, []byte("\n")), 0o644); err != nil {
		g.logger.Warn("could not void routes digest after reload failure",
			"error", err,
		)
	}
}
