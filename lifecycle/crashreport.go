// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// crashEncoder is reused across reports. zstd.Encoder is safe for
// concurrent use. Level 3 (SpeedDefault) compresses journal text
// well without meaningful CPU cost.
var crashEncoder *zstd.Encoder

func init() {
	var err error
	crashEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("lifecycle: zstd encoder initialization failed: " + err.Error())
	}
}

// writeCrashReport archives the diagnostic from an auto-reverted
// build switch to the site's state directory. The caller already has
// the diagnostic in the SwitchReport; the archive exists so the
// evidence survives after the CLI output scrolls away. Returns the
// report path.
func (m *Manager) writeCrashReport(host, unit, diagnostic string) (string, error) {
	stamp := m.clock.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(m.stateDir(unit), "crash-"+stamp+".log.zst")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating site state directory: %w", err)
	}

	var report strings.Builder
	fmt.Fprintf(&report, "hostname: %s\n", host)
	fmt.Fprintf(&report, "unit: %s\n", unit)
	fmt.Fprintf(&report, "captured: %s\n", m.clock.Now().UTC().Format(time.RFC3339))
	report.WriteString("reverted: build mode failed to start, service returned to dev\n")
	report.WriteString("\n")
	report.WriteString(diagnostic)
	report.WriteString("\n")

	compressed := crashEncoder.EncodeAll([]byte(report.String()), nil)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", fmt.Errorf("writing crash report: %w", err)
	}
	return path, nil
}
