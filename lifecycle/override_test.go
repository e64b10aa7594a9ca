// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenderOverrideShape(t *testing.T) {
	got := renderOverride(ModeBuild, 4001, "/usr/bin/npm run start --prefix /srv/webalive/sites/a.example.com/app")
	want := `# fleet-mode: build
[Service]
Environment=PORT=4001
ExecStart=
ExecStart=/usr/bin/npm run start --prefix /srv/webalive/sites/a.example.com/app
`
	if string(got) != want {
		t.Errorf("renderOverride =\n%s\nwant\n%s", got, want)
	}
}

func TestReadOverrideModeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.conf")
	if err := os.WriteFile(path, renderOverride(ModeBuild, 4001, "/usr/bin/cmd"), 0o644); err != nil {
		t.Fatal(err)
	}

	mode, err := readOverrideMode(path)
	if err != nil {
		t.Fatalf("readOverrideMode: %v", err)
	}
	if mode != ModeBuild {
		t.Errorf("mode = %q, want build", mode)
	}
}

func TestReadOverrideModeMissingFileAndMarker(t *testing.T) {
	// Missing file: the unit runs its base command, which is dev.
	mode, err := readOverrideMode(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil || mode != ModeDev {
		t.Errorf("missing file: mode = %q, err = %v, want dev", mode, err)
	}

	// A file someone wrote by hand without the marker is also dev:
	// only this package writes build-mode files, always with a marker.
	path := filepath.Join(t.TempDir(), "override.conf")
	if err := os.WriteFile(path, []byte("[Service]\nExecStart=\nExecStart=/bin/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mode, err = readOverrideMode(path)
	if err != nil || mode != ModeDev {
		t.Errorf("missing marker: mode = %q, err = %v, want dev", mode, err)
	}
}

func TestExpandCommand(t *testing.T) {
	got := expandCommand("/usr/bin/npm run dev --prefix ${APP_DIR} -- --port ${PORT}", 4005, "/srv/x/app")
	want := "/usr/bin/npm run dev --prefix /srv/x/app -- --port 4005"
	if got != want {
		t.Errorf("expandCommand = %q, want %q", got, want)
	}
}
