// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package report sends orchestration failures to Sentry when a DSN is
// configured. Everything degrades to a no-op without one, so library
// code can call Capture functions unconditionally and local
// development stays quiet.
package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	mu      sync.Mutex
	enabled bool
)

// Config identifies this process to Sentry.
type Config struct {
	// DSN enables reporting; empty leaves the package disabled.
	DSN string

	// Environment tags events (development, staging, production).
	Environment string

	// ServerName tags events with the fleet server id.
	ServerName string

	// Release tags events with the build version.
	Release string
}

// Init configures the global Sentry client. Calling it with an empty
// DSN is valid and leaves reporting disabled.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if cfg.DSN == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		ServerName:       cfg.ServerName,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("initializing sentry: %w", err)
	}
	enabled = true
	return nil
}

// Enabled reports whether a DSN was configured.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// CaptureError reports err with an optional formatted context message
// attached as a tag. Nil errors and disabled reporting are no-ops.
func CaptureError(err error, message string, args ...any) {
	if !Enabled() || err == nil {
		return
	}

	msg := message
	if len(args) > 0 {
		msg = fmt.Sprintf(message, args...)
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		if msg != "" {
			scope.SetTag("operation", msg)
		}
		sentry.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value. The caller decides
// whether to re-panic; the daemon's request handlers do not.
func CapturePanic(value any) {
	if !Enabled() {
		return
	}
	sentry.CurrentHub().Recover(value)
	sentry.Flush(2 * time.Second)
}

// Flush blocks until buffered events are sent or the timeout expires.
// Call on shutdown.
func Flush(timeout time.Duration) {
	if !Enabled() {
		return
	}
	sentry.Flush(timeout)
}
