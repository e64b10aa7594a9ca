// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasks runs best-effort background work. Side calls whose
// outcome the caller never waits on (the post-deploy TLS probe) go
// through a Runner instead of bare goroutines, so errors are logged,
// panics are contained, and shutdown can drain in-flight work.
package tasks

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Runner executes submitted functions on their own goroutines. The
// zero value is not usable; call NewRunner.
type Runner struct {
	logger *slog.Logger

	// ctx is the base context handed to tasks; Close cancels it so
	// long probes stop during shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner returns a Runner logging task failures to logger (nil
// discards).
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{logger: logger, ctx: ctx, cancel: cancel}
}

// Submit schedules fn on its own goroutine. The error is logged, never
// returned, because callers by definition do not wait on this work. fn
// receives the runner's context, which is cancelled on Close; tasks
// that outlive the caller's request must bound themselves with their
// own timeouts on top of it.
//
// After Close, submissions are dropped with a warning.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("background task dropped after close", "task", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if v := recover(); v != nil {
				r.logger.Error("background task panicked", "task", name, "panic", v)
			}
		}()

		if err := fn(r.ctx); err != nil {
			r.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all submitted tasks have finished. Tests use it to
// observe fire-and-forget outcomes deterministically.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close stops accepting submissions, cancels the task context, and
// waits for in-flight tasks to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
