// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
)

// memoryHandler collects log records for assertions.
type memoryHandler struct {
	records *[]string
}

func (h memoryHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h memoryHandler) Handle(_ context.Context, r slog.Record) error {
	*h.records = append(*h.records, r.Message)
	return nil
}
func (h memoryHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h memoryHandler) WithGroup(string) slog.Handler      { return h }

func TestSubmitRunsTask(t *testing.T) {
	runner := NewRunner(nil)
	defer runner.Close()

	var ran atomic.Bool
	runner.Submit("probe", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	runner.Wait()

	if !ran.Load() {
		t.Error("submitted task did not run")
	}
}

func TestTaskErrorIsLoggedNotPropagated(t *testing.T) {
	var records []string
	runner := NewRunner(slog.New(memoryHandler{records: &records}))
	defer runner.Close()

	runner.Submit("probe", func(ctx context.Context) error {
		return errors.New("tls handshake timeout")
	})
	runner.Wait()

	found := false
	for _, msg := range records {
		if strings.Contains(msg, "background task failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("task error not logged; records = %v", records)
	}
}

func TestPanicIsContained(t *testing.T) {
	var records []string
	runner := NewRunner(slog.New(memoryHandler{records: &records}))
	defer runner.Close()

	runner.Submit("probe", func(ctx context.Context) error {
		panic("boom")
	})
	runner.Wait()

	found := false
	for _, msg := range records {
		if strings.Contains(msg, "panicked") {
			found = true
		}
	}
	if !found {
		t.Errorf("panic not logged; records = %v", records)
	}
}

func TestCloseCancelsTaskContext(t *testing.T) {
	runner := NewRunner(nil)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	runner.Submit("probe", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})

	<-started
	runner.Close()

	if !sawCancel.Load() {
		t.Error("task context not cancelled by Close")
	}
}

func TestSubmitAfterCloseIsDropped(t *testing.T) {
	runner := NewRunner(nil)
	runner.Close()

	var ran atomic.Bool
	runner.Submit("probe", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	runner.Wait()

	if ran.Load() {
		t.Error("task submitted after Close still ran")
	}
}
