// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// modeMarkerPrefix starts the first line of every override this
// package writes. The marker is the mode; inferring the mode from the
// ExecStart command text would break the moment a command template
// changes.
const modeMarkerPrefix = "# fleet-mode: "

// renderOverride produces the systemd drop-in for a mode. The blank
// ExecStart= clears the unit's base command so exactly one command
// remains; command arrives with ${PORT} and ${APP_DIR} already
// substituted.
func renderOverride(mode Mode, port uint16, command string) []byte {
	var b strings.Builder
	b.WriteString(modeMarkerPrefix)
	b.WriteString(string(mode))
	b.WriteString("\n[Service]\n")
	fmt.Fprintf(&b, "Environment=PORT=%d\n", port)
	b.WriteString("ExecStart=\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", command)
	return []byte(b.String())
}

// readOverrideMode reads the mode recorded in an override file. A
// missing file or a file without the marker line reads as dev: the
// unit is running its base command. An unrecognized marker value is
// an error so CurrentMode can surface hand-edited damage; SwitchMode
// treats that case as dev and repairs the file by rewriting it.
func readOverrideMode(path string) (Mode, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ModeDev, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading override: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		value, found := strings.CutPrefix(line, modeMarkerPrefix)
		if !found {
			continue
		}
		mode, err := ParseMode(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return mode, nil
	}
	return ModeDev, nil
}

// expandCommand substitutes the per-site placeholders in a command
// template from service configuration.
func expandCommand(template string, port uint16, appDir string) string {
	replacer := strings.NewReplacer(
		"${PORT}", strconv.Itoa(int(port)),
		"${APP_DIR}", appDir,
	)
	return replacer.Replace(template)
}
