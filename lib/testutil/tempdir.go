// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for fleet packages.
package testutil

import (
	"os"
	"testing"
)

// SocketDir creates a temporary directory suitable for Unix domain
// sockets.
//
// Unix domain sockets have a 108-byte path limit (sun_path in
// sockaddr_un), and test runners can nest TEST_TMPDIR deeply enough to
// exceed it, making t.TempDir() unsuitable for socket files. This
// creates a short-named directory directly in /tmp instead.
//
// The directory is removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "fleet-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
