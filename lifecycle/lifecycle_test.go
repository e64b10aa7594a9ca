// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/codec"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/registry"
)

var lifecycleTestEpoch = time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)

const (
	testHost = "a.example.com"
	testUnit = "site-a-example-com.service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner fakes systemctl and journalctl. is-active answers
// from the states sequence (repeating the last entry, "active" when
// empty); other verbs fail when their joined arguments appear in
// fail. systemctl exits nonzero for non-active states, which the
// fake reproduces.
type scriptedRunner struct {
	mu         sync.Mutex
	calls      [][]string
	fail       map[string]error
	states     []string
	stateIndex int
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))

	if name == "journalctl" {
		return []byte("journal tail for test\nnpm ERR! missing script: start"), nil
	}
	if len(args) > 0 && args[0] == "is-active" {
		state := "active"
		if len(r.states) > 0 {
			if r.stateIndex < len(r.states) {
				state = r.states[r.stateIndex]
				r.stateIndex++
			} else {
				state = r.states[len(r.states)-1]
			}
		}
		if state == "active" {
			return []byte("active\n"), nil
		}
		return []byte(state + "\n"), errors.New("exit status 3")
	}
	if err := r.fail[strings.Join(args, " ")]; err != nil {
		return []byte("job failed"), err
	}
	return nil, nil
}

func (r *scriptedRunner) countVerb(verb string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, call := range r.calls {
		if len(call) >= 2 && call[1] == verb {
			count++
		}
	}
	return count
}

type switchFixture struct {
	manager  *Manager
	registry *registry.Store
	runner   *scriptedRunner
	clock    *clock.FakeClock

	siteRoot     string
	overrideRoot string
	appDir       string
}

// newSwitchFixture builds a Manager over a real temp registry holding
// a.example.com:4001 and a scripted systemd runner. buildStep is the
// build command template; tests that never reach the build pass
// "true".
func newSwitchFixture(t *testing.T, buildStep string) *switchFixture {
	t.Helper()

	workspaceRoot := t.TempDir()
	siteRoot := t.TempDir()
	overrideRoot := t.TempDir()
	fakeClock := clock.Fake(lifecycleTestEpoch)
	logger := testLogger()

	store, err := registry.Open(registry.Config{
		Path:     filepath.Join(t.TempDir(), "registry.db"),
		PoolSize: 2,
		Clock:    fakeClock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	err = store.Insert(context.Background(), registry.Record{
		Hostname: testHost,
		Port:     4001,
		ServerID: "srv1",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	runner := &scriptedRunner{fail: map[string]error{}}
	manager, err := New(Config{
		Service: config.ServiceConfig{
			UnitPrefix:     "site-",
			AppSubdir:      "app",
			DevCommand:     "/usr/bin/test-dev --prefix ${APP_DIR} --port ${PORT}",
			BuildCommand:   "/usr/bin/test-start --prefix ${APP_DIR}",
			BuildStep:      buildStep,
			BuildTimeout:   config.Duration(30 * time.Second),
			RestartTimeout: config.Duration(10 * time.Second),
		},
		Paths: config.PathsConfig{
			WorkspaceRoot: workspaceRoot,
			SiteRoot:      siteRoot,
			OverrideRoot:  overrideRoot,
		},
		Registry: store,
		Systemd:  systemd.New(runner, logger, time.Second),
		Clock:    fakeClock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appDir := filepath.Join(workspaceRoot, testHost, "app")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	return &switchFixture{
		manager:      manager,
		registry:     store,
		runner:       runner,
		clock:        fakeClock,
		siteRoot:     siteRoot,
		overrideRoot: overrideRoot,
		appDir:       appDir,
	}
}

func (f *switchFixture) overridePath() string {
	return filepath.Join(f.overrideRoot, testUnit+".d", "override.conf")
}

func (f *switchFixture) journalPath() string {
	return filepath.Join(f.siteRoot, testUnit, "switch.cbor")
}

// writeScript drops an executable shell script into a temp dir and
// returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build-step")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestSwitchToBuildWritesOverrideAndRestarts(t *testing.T) {
	fixture := newSwitchFixture(t, "true")

	report, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, false)
	if err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	if report.Mode != ModeBuild || report.Reverted || report.AlreadyInMode {
		t.Errorf("report = %+v, want clean switch to build", report)
	}

	data, err := os.ReadFile(fixture.overridePath())
	if err != nil {
		t.Fatalf("reading override: %v", err)
	}
	want := "# fleet-mode: build\n" +
		"[Service]\n" +
		"Environment=PORT=4001\n" +
		"ExecStart=\n" +
		"ExecStart=/usr/bin/test-start --prefix " + fixture.appDir + "\n"
	if string(data) != want {
		t.Errorf("override = %q, want %q", data, want)
	}

	// daemon-reload must precede the restart that uses the new file.
	var verbs []string
	for _, call := range fixture.runner.calls {
		verbs = append(verbs, call[1])
	}
	joined := strings.Join(verbs, " ")
	if !strings.Contains(joined, "daemon-reload restart") {
		t.Errorf("call order %v, want daemon-reload then restart", verbs)
	}

	// The switch completed, so no journal remains.
	if _, err := os.Stat(fixture.journalPath()); !os.IsNotExist(err) {
		t.Error("switch journal left behind after clean switch")
	}
}

func TestSwitchRunsBuildStepInAppDir(t *testing.T) {
	script := writeScript(t, "touch built-marker\n")
	fixture := newSwitchFixture(t, script)

	if _, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, true); err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}

	if _, err := os.Stat(filepath.Join(fixture.appDir, "built-marker")); err != nil {
		t.Errorf("build step did not run in the app dir: %v", err)
	}
}

func TestSwitchBuildFailureLeavesServiceUntouched(t *testing.T) {
	script := writeScript(t, "echo build exploded >&2\necho partial output\nexit 1\n")
	fixture := newSwitchFixture(t, script)

	// An existing dev override stands in for the live service config.
	if err := os.MkdirAll(filepath.Dir(fixture.overridePath()), 0o755); err != nil {
		t.Fatal(err)
	}
	before := renderOverride(ModeDev, 4001, "/usr/bin/test-dev --prefix "+fixture.appDir+" --port 4001")
	if err := os.WriteFile(fixture.overridePath(), before, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, true)

	var switchErr *SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("SwitchMode error = %v, want *SwitchError", err)
	}
	if switchErr.Stage != "build" {
		t.Errorf("Stage = %q, want build", switchErr.Stage)
	}
	stderrIndex := strings.Index(switchErr.Output, "build exploded")
	stdoutIndex := strings.Index(switchErr.Output, "partial output")
	if stderrIndex < 0 || stdoutIndex < 0 || stderrIndex > stdoutIndex {
		t.Errorf("Output = %q, want stderr before stdout", switchErr.Output)
	}

	after, err := os.ReadFile(fixture.overridePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Error("override changed despite the build failing before apply")
	}
	if got := fixture.runner.countVerb("restart"); got != 0 {
		t.Errorf("restart count = %d, want 0 (service untouched)", got)
	}
	if _, err := os.Stat(fixture.journalPath()); !os.IsNotExist(err) {
		t.Error("switch journal left behind after aborted switch")
	}
}

func TestSwitchBuildCrashRevertsToDev(t *testing.T) {
	fixture := newSwitchFixture(t, "true")
	fixture.runner.states = []string{"activating", "failed"}

	report, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, false)
	if err != nil {
		t.Fatalf("SwitchMode returned %v, want nil (auto-revert is not an error)", err)
	}

	if !report.Reverted {
		t.Error("Reverted = false, want true")
	}
	if report.Mode != ModeDev {
		t.Errorf("Mode = %q, want dev after revert", report.Mode)
	}
	if !strings.Contains(report.Diagnostic, "journal tail for test") {
		t.Errorf("Diagnostic = %q, want journal tail", report.Diagnostic)
	}

	mode, err := fixture.manager.CurrentMode(testHost)
	if err != nil {
		t.Fatalf("CurrentMode: %v", err)
	}
	if mode != ModeDev {
		t.Errorf("deployed mode = %q, want dev", mode)
	}

	// One restart into build, one back to dev.
	if got := fixture.runner.countVerb("restart"); got != 2 {
		t.Errorf("restart count = %d, want 2", got)
	}

	// The diagnostic is archived compressed next to the journal.
	matches, err := filepath.Glob(filepath.Join(fixture.siteRoot, testUnit, "crash-*.log.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("crash reports = %v (err %v), want exactly one", matches, err)
	}
	compressed, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	reader, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	decoded, err := reader.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("crash report is not valid zstd: %v", err)
	}
	if !strings.Contains(string(decoded), "journal tail for test") {
		t.Errorf("crash report missing diagnostic:\n%s", decoded)
	}
	if !strings.Contains(string(decoded), "hostname: "+testHost) {
		t.Errorf("crash report missing hostname header:\n%s", decoded)
	}

	if _, err := os.Stat(fixture.journalPath()); !os.IsNotExist(err) {
		t.Error("switch journal left behind after revert")
	}
}

func TestSwitchNoOpSkipsBuildStillRestarts(t *testing.T) {
	script := writeScript(t, "echo run >> build-count\n")
	fixture := newSwitchFixture(t, script)

	first, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, true)
	if err != nil {
		t.Fatalf("first SwitchMode: %v", err)
	}
	if first.AlreadyInMode {
		t.Error("first switch reported AlreadyInMode")
	}

	second, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, true)
	if err != nil {
		t.Fatalf("second SwitchMode: %v", err)
	}
	if !second.AlreadyInMode {
		t.Error("second switch did not report AlreadyInMode")
	}

	// The build ran once: the no-op switch keeps serving the existing
	// output. The restart still happened both times.
	data, err := os.ReadFile(filepath.Join(fixture.appDir, "build-count"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "run"); got != 1 {
		t.Errorf("build ran %d times, want 1", got)
	}
	if got := fixture.runner.countVerb("restart"); got != 2 {
		t.Errorf("restart count = %d, want 2", got)
	}
}

func TestSwitchDevRestartFailureIsError(t *testing.T) {
	fixture := newSwitchFixture(t, "true")
	fixture.runner.fail["restart "+testUnit] = errors.New("exit status 1")

	_, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeDev, false)

	var switchErr *SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("SwitchMode error = %v, want *SwitchError", err)
	}
	if switchErr.Stage != "restart" {
		t.Errorf("Stage = %q, want restart", switchErr.Stage)
	}
}

func TestSwitchBuildRevertRestartFailureIsError(t *testing.T) {
	fixture := newSwitchFixture(t, "true")
	// Every restart fails: the build-mode one and the dev revert.
	fixture.runner.fail["restart "+testUnit] = errors.New("exit status 1")

	_, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, false)

	var switchErr *SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("SwitchMode error = %v, want *SwitchError when dev restart fails too", err)
	}
	if switchErr.Stage != "restart" {
		t.Errorf("Stage = %q, want restart", switchErr.Stage)
	}
	if !strings.Contains(switchErr.Output, "journal tail for test") {
		t.Errorf("Output = %q, want the crash diagnostic", switchErr.Output)
	}
}

func TestSwitchUnknownHostname(t *testing.T) {
	fixture := newSwitchFixture(t, "true")

	_, err := fixture.manager.SwitchMode(context.Background(), "missing.example.com", ModeDev, false)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("SwitchMode error = %v, want ErrNotFound", err)
	}
}

func TestSwitchRejectsInvalidInput(t *testing.T) {
	fixture := newSwitchFixture(t, "true")

	if _, err := fixture.manager.SwitchMode(context.Background(), "Not_A_Host", ModeDev, false); err == nil {
		t.Error("SwitchMode accepted an invalid hostname")
	}
	if _, err := fixture.manager.SwitchMode(context.Background(), testHost, Mode("banana"), false); err == nil {
		t.Error("SwitchMode accepted an unknown mode")
	}
	if got := fixture.runner.countVerb("restart"); got != 0 {
		t.Errorf("restart count = %d, want 0", got)
	}
}

func TestCurrentModeMissingOverrideIsDev(t *testing.T) {
	fixture := newSwitchFixture(t, "true")

	mode, err := fixture.manager.CurrentMode(testHost)
	if err != nil {
		t.Fatalf("CurrentMode: %v", err)
	}
	if mode != ModeDev {
		t.Errorf("CurrentMode = %q, want dev for a missing override", mode)
	}
}

func TestCurrentModeCorruptMarker(t *testing.T) {
	fixture := newSwitchFixture(t, "true")

	if err := os.MkdirAll(filepath.Dir(fixture.overridePath()), 0o755); err != nil {
		t.Fatal(err)
	}
	corrupt := "# fleet-mode: banana\n[Service]\nExecStart=\n"
	if err := os.WriteFile(fixture.overridePath(), []byte(corrupt), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := fixture.manager.CurrentMode(testHost); err == nil {
		t.Error("CurrentMode accepted a corrupt mode marker")
	}

	// A switch through the corrupt file repairs it.
	if _, err := fixture.manager.SwitchMode(context.Background(), testHost, ModeBuild, false); err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	mode, err := fixture.manager.CurrentMode(testHost)
	if err != nil {
		t.Fatalf("CurrentMode after repair: %v", err)
	}
	if mode != ModeBuild {
		t.Errorf("CurrentMode = %q, want build", mode)
	}
}

func TestInterruptedSwitchReportsLeftoverJournal(t *testing.T) {
	fixture := newSwitchFixture(t, "true")

	journal, err := fixture.manager.InterruptedSwitch(testHost)
	if err != nil {
		t.Fatalf("InterruptedSwitch: %v", err)
	}
	if journal != nil {
		t.Fatalf("InterruptedSwitch = %+v, want nil with no journal", journal)
	}

	// A journal on disk with no switch running is the residue of a
	// crash mid-switch.
	leftover := &Journal{
		Hostname:  testHost,
		From:      ModeDev,
		To:        ModeBuild,
		Phase:     phaseApplying,
		StartedAt: lifecycleTestEpoch,
	}
	data, err := codec.Marshal(leftover)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(fixture.journalPath()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fixture.journalPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}

	journal, err = fixture.manager.InterruptedSwitch(testHost)
	if err != nil {
		t.Fatalf("InterruptedSwitch: %v", err)
	}
	if journal == nil {
		t.Fatal("InterruptedSwitch = nil, want the leftover journal")
	}
	if journal.Phase != phaseApplying || journal.To != ModeBuild {
		t.Errorf("journal = %+v, want phase %q targeting build", journal, phaseApplying)
	}
	if !journal.StartedAt.Equal(lifecycleTestEpoch) {
		t.Errorf("StartedAt = %v, want %v", journal.StartedAt, lifecycleTestEpoch)
	}
}
