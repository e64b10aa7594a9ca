// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileCreatesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.caddy")

	if err := WriteFile(path, []byte("example.com {\n}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(data), "example.com {\n}\n"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestWriteFileReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.caddy")

	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, []byte("new"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "new"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestWriteFileLeavesNoTemporary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.cbor")

	if err := WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file still present after write (stat err = %v)", err)
	}
}

func TestWriteFileMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "routes.caddy")

	if err := WriteFile(path, []byte("x"), 0644); err == nil {
		t.Error("WriteFile into missing directory succeeded, want error")
	}
}

func TestWriteFileFailureKeepsExisting(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.caddy")

	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	// A read-only directory blocks the temporary file, so the write
	// fails before the target is ever touched.
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	if err := WriteFile(path, []byte("new"), 0644); err == nil {
		t.Error("WriteFile in read-only directory succeeded, want error")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "old"; got != want {
		t.Errorf("content after failed write = %q, want %q", got, want)
	}
}
