// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/webalive/fleet/lib/atomicfile"
)

// apiEntrypoint is the backend process a site grows when the editor
// adds server code. Its presence in the workspace is what tells us a
// site is no longer the static-only template.
const apiEntrypoint = "server/index.mjs"

const manifestName = "package.json"

// healManifest upgrades a site manifest still carrying the template's
// single-process scripts after the site grew a backend. Early
// templates ran only the static dev server; once server/index.mjs
// exists, dev and preview must also run the API process or the site
// half-works in confusing ways. The upgrade runs the API alongside
// the existing script and points start at the API entrypoint, which
// serves the built site itself in production.
//
// One-time by construction: a manifest whose dev or preview script
// already mentions the entrypoint is left untouched, including
// manifests the site owner rewired by hand. Reports whether a rewrite
// happened.
func healManifest(appDir string) (bool, error) {
	manifestPath := filepath.Join(appDir, manifestName)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading manifest: %w", err)
	}

	// No backend, nothing to heal.
	if _, err := os.Stat(filepath.Join(appDir, apiEntrypoint)); err != nil {
		return false, nil
	}

	// Decode into a generic tree so fields this package knows nothing
	// about survive the rewrite. UseNumber keeps versions like 1.0
	// from being rewritten as floats.
	var root map[string]any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&root); err != nil {
		return false, fmt.Errorf("parsing %s: %w", manifestPath, err)
	}

	scripts, ok := root["scripts"].(map[string]any)
	if !ok {
		return false, nil
	}
	if scriptMentions(scripts, "dev", apiEntrypoint) || scriptMentions(scripts, "preview", apiEntrypoint) {
		return false, nil
	}

	healed := false
	for _, name := range []string{"dev", "preview"} {
		script, ok := scripts[name].(string)
		if !ok || script == "" {
			continue
		}
		scripts[name] = "node " + apiEntrypoint + " & " + script
		healed = true
	}
	if !healed {
		return false, nil
	}
	scripts["start"] = "node " + apiEntrypoint

	// encoding/json sorts object keys, so the output is deterministic
	// even though npm wrote the original in its own order.
	updated, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encoding %s: %w", manifestPath, err)
	}
	if err := atomicfile.WriteFile(manifestPath, append(updated, '\n'), 0o644); err != nil {
		return false, fmt.Errorf("rewriting manifest: %w", err)
	}
	return true, nil
}

func scriptMentions(scripts map[string]any, name, needle string) bool {
	script, ok := scripts[name].(string)
	return ok && strings.Contains(script, needle)
}
