// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package sweep reports provisioning residue: workspaces and registry
// rows that lost their other half.
//
// The deploy pipeline has no distributed transaction. A crash between
// provisioning and registration leaves a workspace with no registry
// row (an orphan); out-of-band registry edits or a lost disk leave a
// row with no workspace. The sweep detects both and only reports:
// whether an orphan should be deleted or re-registered is an operator
// decision the orchestrator does not guess at.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/webalive/fleet/lib/hostname"
	"github.com/webalive/fleet/registry"
)

// Report is one sweep's findings. Both lists are sorted by hostname.
type Report struct {
	// Orphans are workspace directories with no registry record for
	// this server: provisioned but never registered, or registered to
	// a different server.
	Orphans []string `json:"orphans"`

	// MissingWorkspace are registered hostnames whose workspace
	// directory does not exist: the registration outlived the disk
	// state.
	MissingWorkspace []string `json:"missing_workspace"`
}

// Clean reports that the sweep found nothing.
func (r Report) Clean() bool {
	return len(r.Orphans) == 0 && len(r.MissingWorkspace) == 0
}

// Config holds the collaborators for a Sweeper.
type Config struct {
	// ServerID scopes which registry records this server answers for.
	ServerID string

	// WorkspaceRoot is the directory the provisioner creates site
	// workspaces in.
	WorkspaceRoot string

	// Registry is the record source. Required.
	Registry *registry.Store

	// Logger receives the findings. Required.
	Logger *slog.Logger
}

// Sweeper scans for pipeline residue.
type Sweeper struct {
	serverID      string
	workspaceRoot string
	registry      *registry.Store
	logger        *slog.Logger
}

// New validates the configuration and returns a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("sweep: Registry is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sweep: Logger is required")
	}
	return &Sweeper{
		serverID:      cfg.ServerID,
		workspaceRoot: cfg.WorkspaceRoot,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
	}, nil
}

// Run scans the workspace root against the registry and returns what
// it found. Read-only: nothing is deleted, nothing is registered.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var report Report

	entries, err := os.ReadDir(s.workspaceRoot)
	if err != nil {
		return Report{}, fmt.Errorf("sweep: reading workspace root: %w", err)
	}

	// Workspace side: every directory that looks like a site must
	// have a row naming this server. Non-hostname entries (template
	// checkouts, lost+found, dotfiles) are not the pipeline's and are
	// ignored.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if hostname.Validate(name) != nil {
			continue
		}

		record, err := s.registry.Get(ctx, name)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			report.Orphans = append(report.Orphans, name)
		case err != nil:
			return Report{}, fmt.Errorf("sweep: checking %s: %w", name, err)
		case record.ServerID != s.serverID:
			report.Orphans = append(report.Orphans, name)
		}
	}

	// Registry side: every production row for this server must have a
	// workspace. ListForServer returns hostname order, so the report
	// is sorted like the directory scan above.
	records, err := s.registry.ListForServer(ctx, s.serverID)
	if err != nil {
		return Report{}, fmt.Errorf("sweep: listing records: %w", err)
	}
	for _, record := range records {
		workspace := filepath.Join(s.workspaceRoot, record.Hostname)
		if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
			report.MissingWorkspace = append(report.MissingWorkspace, record.Hostname)
		}
	}

	if len(report.Orphans) > 0 {
		s.logger.Warn("sweep found orphaned workspaces",
			"count", len(report.Orphans),
			"hostnames", report.Orphans,
		)
	}
	if len(report.MissingWorkspace) > 0 {
		s.logger.Warn("sweep found registrations without workspaces",
			"count", len(report.MissingWorkspace),
			"hostnames", report.MissingWorkspace,
		)
	}
	s.logger.Info("sweep completed",
		"orphans", len(report.Orphans),
		"missing_workspaces", len(report.MissingWorkspace),
	)

	return report, nil
}
