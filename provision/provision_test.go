// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript creates an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provision.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProvisionParsesScriptOutput(t *testing.T) {
	// The script sees the hostname as $1 and the template as $2.
	script := writeScript(t, `
if [ "$1" != "a.example.com" ]; then
	echo "unexpected hostname: $1" >&2
	exit 1
fi
if [ "$2" != "/srv/templates/landing" ]; then
	echo "unexpected template: $2" >&2
	exit 1
fi
echo '{"port": 4001, "service": "site-a-example-com.service"}'
`)

	provisioner := NewScript([]string{script}, 10*time.Second, testLogger())
	result, err := provisioner.Provision(context.Background(), "a.example.com", "/srv/templates/landing")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if result.Port != 4001 {
		t.Errorf("Port = %d, want 4001", result.Port)
	}
	if result.ServiceName != "site-a-example-com.service" {
		t.Errorf("ServiceName = %q", result.ServiceName)
	}
}

func TestProvisionPassesFixedArguments(t *testing.T) {
	// Fixed arguments from config come before the per-call pair.
	script := writeScript(t, `
if [ "$1" != "--flavor" ] || [ "$2" != "static" ]; then
	echo "fixed args missing: $@" >&2
	exit 1
fi
echo '{"port": 4002, "service": "site-b.service"}'
`)

	provisioner := NewScript([]string{script, "--flavor", "static"}, 10*time.Second, testLogger())
	result, err := provisioner.Provision(context.Background(), "b.example.com", "/tmp/t")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if result.Port != 4002 {
		t.Errorf("Port = %d, want 4002", result.Port)
	}
}

func TestProvisionScriptFailureCarriesOutput(t *testing.T) {
	script := writeScript(t, `
echo "allocating workspace"
echo "no free ports on this server" >&2
exit 3
`)

	provisioner := NewScript([]string{script}, 10*time.Second, testLogger())
	_, err := provisioner.Provision(context.Background(), "a.example.com", "/tmp/t")
	if err == nil {
		t.Fatal("Provision succeeded despite script failure")
	}
	// stderr comes first in the message, stdout after.
	message := err.Error()
	if !strings.Contains(message, "no free ports on this server") {
		t.Errorf("error missing stderr: %v", message)
	}
	if !strings.Contains(message, "allocating workspace") {
		t.Errorf("error missing stdout: %v", message)
	}
	if strings.Index(message, "no free ports") > strings.Index(message, "allocating workspace") {
		t.Errorf("stderr should precede stdout in %q", message)
	}
}

func TestProvisionRejectsUnparsableOutput(t *testing.T) {
	script := writeScript(t, `echo "done, port is 4001"`)

	provisioner := NewScript([]string{script}, 10*time.Second, testLogger())
	_, err := provisioner.Provision(context.Background(), "a.example.com", "/tmp/t")
	if err == nil {
		t.Fatal("Provision accepted non-JSON output")
	}
	if !strings.Contains(err.Error(), "unparsable") {
		t.Errorf("error = %v, want unparsable output", err)
	}
}

func TestProvisionRejectsIncompleteResult(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"missing port", `{"service": "x.service"}`, "no port"},
		{"missing service", `{"port": 4001}`, "no service"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			script := writeScript(t, "echo '"+test.output+"'")
			provisioner := NewScript([]string{script}, 10*time.Second, testLogger())
			_, err := provisioner.Provision(context.Background(), "a.example.com", "/tmp/t")
			if err == nil {
				t.Fatalf("Provision accepted %s", test.name)
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error = %v, want %q", err, test.want)
			}
		})
	}
}

func TestProvisionTimesOut(t *testing.T) {
	// exec replaces the shell so the timeout kills the sleeping
	// process itself, not just its parent.
	script := writeScript(t, `exec sleep 10`)

	provisioner := NewScript([]string{script}, 100*time.Millisecond, testLogger())
	start := time.Now()
	_, err := provisioner.Provision(context.Background(), "a.example.com", "/tmp/t")
	if err == nil {
		t.Fatal("Provision did not time out")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, want well under the script's sleep", elapsed)
	}
}
