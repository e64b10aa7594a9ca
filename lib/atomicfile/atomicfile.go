// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes files atomically via a temporary file and
// rename. Generated routing artifacts, service overrides, and state
// files are all published this way: a reader sees either the old
// content or the new content, never a truncated file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile writes data to path atomically with the given permissions.
// The data lands in a temporary file in the same directory (rename is
// only atomic within a filesystem), is synced, and is then renamed
// over the target. The parent directory is synced afterwards so the
// rename survives power loss.
//
// Callers that may race on the same path must serialize externally;
// the temporary name is deterministic (path + ".tmp").
func WriteFile(path string, data []byte, perm os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	// Write, sync, close, in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if err := syncDir(filepath.Dir(path)); err != nil {
		return err
	}
	return nil
}

// syncDir syncs directory metadata so a completed rename is durable.
// This matters when the machine loses power between the rename and the
// OS flushing directory metadata.
func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening parent directory: %w", err)
	}
	defer handle.Close()

	if err := handle.Sync(); err != nil {
		return fmt.Errorf("syncing parent directory: %w", err)
	}
	return nil
}
