// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package provision adapts the platform's site provisioning script to
// the pipeline's Provisioner interface. The script owns workspace
// creation, port allocation, and systemd unit installation; this
// package only execs it and parses the result.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/webalive/fleet/pipeline"
)

// Script runs the configured provisioning command once per call. It
// never retries; retry policy belongs to whoever calls Deploy.
type Script struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewScript returns a Script provisioner. The command is the
// executable plus fixed arguments; the hostname and template path are
// appended per call. The script must print one JSON object on stdout:
//
//	{"port": 4001, "service": "site-a-example-com.service"}
func NewScript(command []string, timeout time.Duration, logger *slog.Logger) *Script {
	return &Script{
		command: command,
		timeout: timeout,
		logger:  logger,
	}
}

// Provision runs the script with the hostname and template path
// appended, bounded by the configured timeout.
func (s *Script) Provision(ctx context.Context, hostname, templatePath string) (pipeline.Provisioned, error) {
	if len(s.command) == 0 {
		return pipeline.Provisioned{}, fmt.Errorf("provision: no command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	argv := make([]string, 0, len(s.command)+2)
	argv = append(argv, s.command...)
	argv = append(argv, hostname, templatePath)

	s.logger.Info("provisioning workspace",
		"hostname", hostname,
		"template", templatePath,
	)
	start := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Provisioning scripts spawn children (npm, git). If a child
	// inherits our pipes and outlives the killed script, don't wait
	// on it forever.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return pipeline.Provisioned{}, fmt.Errorf(
				"provision: script timed out after %s for %s: %s",
				s.timeout, hostname, combinedOutput(stderr, stdout))
		}
		return pipeline.Provisioned{}, fmt.Errorf(
			"provision: script failed for %s: %w: %s",
			hostname, err, combinedOutput(stderr, stdout))
	}

	var response struct {
		Port    uint16 `json:"port"`
		Service string `json:"service"`
	}
	raw := strings.TrimSpace(stdout.String())
	if err := json.Unmarshal([]byte(raw), &response); err != nil {
		return pipeline.Provisioned{}, fmt.Errorf(
			"provision: unparsable script output for %s: %w: %s",
			hostname, err, combinedOutput(stderr, stdout))
	}
	if response.Port == 0 {
		return pipeline.Provisioned{}, fmt.Errorf(
			"provision: script reported no port for %s: %s", hostname, raw)
	}
	if response.Service == "" {
		return pipeline.Provisioned{}, fmt.Errorf(
			"provision: script reported no service for %s: %s", hostname, raw)
	}

	s.logger.Info("workspace provisioned",
		"hostname", hostname,
		"port", response.Port,
		"service", response.Service,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return pipeline.Provisioned{
		Port:        response.Port,
		ServiceName: response.Service,
	}, nil
}

// combinedOutput joins the captured streams for error messages, stderr
// first because that is where provisioning scripts report what broke.
func combinedOutput(stderr, stdout bytes.Buffer) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(stderr.String()); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(stdout.String()); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}
