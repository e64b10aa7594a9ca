// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/webalive/fleet/lib/atomicfile"
	"github.com/webalive/fleet/lib/codec"
)

// journalFileName is the switch journal inside a site's state
// directory.
const journalFileName = "switch.cbor"

// Journal phases, in operation order. Each names the step in
// progress when the journal was last written, so the phase a leftover
// journal carries says where an interrupted switch died.
const (
	phaseStarted   = "started"
	phaseBuilding  = "building"
	phaseApplying  = "applying"
	phaseReverting = "reverting"
)

// Journal records a mode switch in flight. It is written when the
// switch begins and removed on any completion (success, abort, or
// revert), so its presence outside a running switch means the process
// died mid-operation.
type Journal struct {
	Hostname  string    `cbor:"hostname"`
	From      Mode      `cbor:"from"`
	To        Mode      `cbor:"to"`
	Phase     string    `cbor:"phase"`
	StartedAt time.Time `cbor:"started_at"`
}

// writeJournal persists the journal, creating the site state
// directory on first use.
func (m *Manager) writeJournal(journal *Journal, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating site state directory: %w", err)
	}
	data, err := codec.Marshal(journal)
	if err != nil {
		return fmt.Errorf("encoding switch journal: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing switch journal: %w", err)
	}
	return nil
}

// updateJournal advances the phase. Best effort: the journal is a
// crash breadcrumb, and a switch that is still running must not stop
// because the breadcrumb could not be refreshed.
func (m *Manager) updateJournal(journal *Journal, path, phase string) {
	journal.Phase = phase
	if err := m.writeJournal(journal, path); err != nil {
		m.logger.Warn("could not update switch journal",
			"path", path,
			"phase", phase,
			"error", err,
		)
	}
}

// removeJournal marks the switch completed.
func (m *Manager) removeJournal(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("could not remove switch journal",
			"path", path,
			"error", err,
		)
	}
}

// loadJournal reads a journal file. A missing file returns nil with
// no error; that is the normal state.
func loadJournal(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading switch journal: %w", err)
	}

	var journal Journal
	if err := codec.Unmarshal(data, &journal); err != nil {
		return nil, fmt.Errorf("decoding switch journal %s: %w", path, err)
	}
	return &journal, nil
}
