// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/webalive/fleet/cmd/fleetctl/cli/doctor"
	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/systemd"
	"github.com/webalive/fleet/lifecycle"
	"github.com/webalive/fleet/registry"
)

// checkServer runs all server health checks and returns results.
// Sections that depend on an earlier failure produce skip rows rather
// than misleading failures.
func checkServer(ctx context.Context, params doctorParams, logger *slog.Logger) []doctor.Result {
	cfg, results := checkConfig(params)
	if cfg == nil {
		return append(results, skipRemaining("configuration did not load")...)
	}

	results = append(results, checkDirectories(cfg)...)

	store, registryResults := checkRegistry(ctx, cfg, logger)
	results = append(results, registryResults...)
	if store != nil {
		defer store.Close()
	}

	systemdClient := systemd.New(nil, logger, cfg.Service.RestartTimeout.Std())
	results = append(results, checkRouter(ctx, cfg, systemdClient)...)
	results = append(results, checkSystemd(cfg)...)

	if store == nil {
		return append(results, doctor.Skip("sites", "skipped: registry did not open"))
	}

	manager, err := lifecycle.New(lifecycle.Config{
		Service:  cfg.Service,
		Paths:    cfg.Paths,
		Registry: store,
		Systemd:  systemdClient,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return append(results, doctor.Fail("sites", err.Error()))
	}
	return append(results, checkSites(ctx, cfg, store, manager)...)
}

// skipRemaining stands in for every section that cannot run without a
// loaded configuration.
func skipRemaining(reason string) []doctor.Result {
	message := "skipped: " + reason
	return []doctor.Result{
		doctor.Skip("directories", message),
		doctor.Skip("registry", message),
		doctor.Skip("router & proxy", message),
		doctor.Skip("systemd", message),
		doctor.Skip("sites", message),
	}
}

// checkConfig loads and validates the configuration. Returns nil when
// the file cannot be loaded at all; later sections skip in that case.
func checkConfig(params doctorParams) (*config.Config, []doctor.Result) {
	var results []doctor.Result

	source := params.Path
	if source == "" {
		source = os.Getenv("FLEET_CONFIG")
	}
	if source == "" {
		results = append(results, doctor.Fail("config file", "FLEET_CONFIG not set and no --config flag given"))
		return nil, results
	}

	cfg, err := params.LoadLenient()
	if err != nil {
		results = append(results, doctor.Fail("config file", err.Error()))
		return nil, results
	}
	results = append(results, doctor.Pass("config file", source))

	if err := cfg.Validate(); err != nil {
		results = append(results, doctor.Fail("config valid", err.Error()))
	} else {
		results = append(results, doctor.Pass("config valid", fmt.Sprintf("environment %s", cfg.Environment)))
	}

	if cfg.ServerID == "" {
		results = append(results, doctor.Fail("server id", "server_id is empty"))
	} else {
		results = append(results, doctor.Pass("server id", cfg.ServerID))
	}

	return cfg, results
}

// checkDirectories verifies the five configured roots exist and are
// writable. Orchestrator-owned directories get a mkdir fix; the
// machine-setup directories (template root, override root) report
// failures without one.
func checkDirectories(cfg *config.Config) []doctor.Result {
	specs := []struct {
		name    string
		path    string
		fixable bool
	}{
		{"workspace root", cfg.Paths.WorkspaceRoot, true},
		{"site root", cfg.Paths.SiteRoot, true},
		{"generated dir", cfg.Paths.GeneratedDir, true},
		{"template root", cfg.Paths.TemplateRoot, false},
		{"override root", cfg.Paths.OverrideRoot, false},
	}

	var results []doctor.Result
	for _, spec := range specs {
		results = append(results, checkDirectory(spec.name, spec.path, spec.fixable, false))
	}
	return results
}

// checkDirectory verifies one directory exists and is writable. When
// fixable, a missing directory carries a MkdirAll fix action; elevated
// marks fixes that need root (directories under /run or /etc).
func checkDirectory(name, path string, fixable, elevated bool) doctor.Result {
	if path == "" {
		return doctor.Fail(name, "not configured")
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if fixable {
			fixPath := path
			message := fmt.Sprintf("%s does not exist", path)
			hint := fmt.Sprintf("create %s", path)
			fix := func(ctx context.Context) error {
				return os.MkdirAll(fixPath, 0755)
			}
			if elevated {
				return doctor.FailElevated(name, message, hint, fix)
			}
			return doctor.FailWithFix(name, message, hint, fix)
		}
		return doctor.Fail(name, fmt.Sprintf("%s does not exist", path))
	}
	if err != nil {
		return doctor.Fail(name, err.Error())
	}
	if !info.IsDir() {
		return doctor.Fail(name, fmt.Sprintf("%s is not a directory", path))
	}
	if err := unix.Access(path, unix.W_OK); err != nil {
		return doctor.Fail(name, fmt.Sprintf("%s is not writable", path))
	}
	return doctor.Pass(name, path)
}

// checkRegistry opens the registry pool (which applies the schema) and
// runs the per-server count query. The returned store is non-nil only
// when the open succeeded; the caller closes it.
func checkRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*registry.Store, []doctor.Result) {
	var results []doctor.Result

	skipRest := func() {
		results = append(results, doctor.Skip("registry schema", "skipped: registry did not open"))
		results = append(results, doctor.Skip("registry query", "skipped: registry did not open"))
	}

	parent := filepath.Dir(cfg.Registry.Path)
	if _, err := os.Stat(parent); errors.Is(err, fs.ErrNotExist) {
		results = append(results, doctor.FailWithFix("registry open",
			fmt.Sprintf("parent directory %s does not exist", parent),
			fmt.Sprintf("create %s", parent),
			func(ctx context.Context) error {
				return os.MkdirAll(parent, 0755)
			}))
		skipRest()
		return nil, results
	}

	store, err := registry.Open(registry.Config{
		Path:     cfg.Registry.Path,
		PoolSize: cfg.Registry.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		results = append(results, doctor.Fail("registry open", err.Error()))
		skipRest()
		return nil, results
	}

	results = append(results, doctor.Pass("registry open", cfg.Registry.Path))
	// Open applies the schema idempotently, so reaching this point
	// means the tables and indexes exist.
	results = append(results, doctor.Pass("registry schema", "schema current"))

	count, err := store.CountForServer(ctx, cfg.ServerID)
	if err != nil {
		results = append(results, doctor.Fail("registry query", err.Error()))
	} else {
		results = append(results, doctor.Pass("registry query",
			fmt.Sprintf("%d domain(s) registered for %s", count, cfg.ServerID)))
	}

	return store, results
}

// checkRouter verifies the pieces the routing generator hands off to:
// the caddy binary, the hand-maintained base Caddyfile, the proxy and
// router units, and the SNI map location.
func checkRouter(ctx context.Context, cfg *config.Config, systemdClient *systemd.Client) []doctor.Result {
	var results []doctor.Result

	if _, err := exec.LookPath("caddy"); err != nil {
		results = append(results, doctor.Warn("caddy binary", "not on PATH; proxy reloads will fail"))
	} else {
		results = append(results, doctor.Pass("caddy binary", "on PATH"))
	}

	results = append(results, checkCaddyBase(cfg)...)

	units := []struct {
		name string
		unit string
	}{
		{"proxy unit", cfg.Routing.ProxyUnit},
		{"router unit", cfg.Routing.RouterUnit},
	}
	for _, entry := range units {
		switch {
		case !config.HasSystemd():
			results = append(results, doctor.Skip(entry.name, "skipped: no systemd"))
		case entry.unit == "":
			results = append(results, doctor.Skip(entry.name, "skipped: not configured"))
		default:
			state, err := systemdClient.IsActive(ctx, entry.unit)
			if err != nil {
				results = append(results, doctor.Warn(entry.name, fmt.Sprintf("%s: %v", entry.unit, err)))
			} else if state != "active" {
				results = append(results, doctor.Warn(entry.name, fmt.Sprintf("%s is %s", entry.unit, state)))
			} else {
				results = append(results, doctor.Pass(entry.name, fmt.Sprintf("%s active", entry.unit)))
			}
		}
	}

	// The SNI map usually lives under /etc, which the fleet user
	// cannot create.
	sniDir := filepath.Dir(cfg.Routing.SNIMapFile)
	results = append(results, checkDirectory("sni map dir", sniDir, true, true))

	return results
}

// checkCaddyBase verifies the hand-maintained base Caddyfile defines
// the snippet the generated blocks import, and that it imports the
// generated files. Failure messages carry the exact line to add.
func checkCaddyBase(cfg *config.Config) []doctor.Result {
	var results []doctor.Result

	data, err := os.ReadFile(cfg.Routing.CaddyBase)
	if err != nil {
		results = append(results, doctor.Fail("caddy base",
			fmt.Sprintf("cannot read %s: %v", cfg.Routing.CaddyBase, err)))
		results = append(results, doctor.Skip("caddy imports", "skipped: caddy base unreadable"))
		return results
	}

	base := string(data)
	if strings.Contains(base, "(site_defaults)") {
		results = append(results, doctor.Pass("caddy base", cfg.Routing.CaddyBase))
	} else {
		results = append(results, doctor.Fail("caddy base",
			fmt.Sprintf("%s does not define the (site_defaults) snippet the generated blocks import", cfg.Routing.CaddyBase)))
	}

	var missing []string
	for _, file := range []string{cfg.Routing.RoutesFile, cfg.Routing.ShellRoutesFile} {
		if file == "" {
			continue
		}
		if !strings.Contains(base, "import "+file) {
			missing = append(missing, fmt.Sprintf("import %s", file))
		}
	}
	if len(missing) == 0 {
		results = append(results, doctor.Pass("caddy imports", "generated files imported"))
	} else {
		results = append(results, doctor.Fail("caddy imports",
			fmt.Sprintf("%s is missing: %s", cfg.Routing.CaddyBase, strings.Join(missing, "; "))))
	}

	return results
}

// checkSystemd verifies service management is possible at all, and
// that the daemon's socket directory exists.
func checkSystemd(cfg *config.Config) []doctor.Result {
	var results []doctor.Result

	if config.HasSystemd() {
		results = append(results, doctor.Pass("systemd", "/run/systemd/system present"))
	} else {
		results = append(results, doctor.Fail("systemd", "/run/systemd/system missing; cannot manage site services"))
	}

	if _, err := exec.LookPath("systemctl"); err != nil {
		results = append(results, doctor.Fail("systemctl binary", "not on PATH"))
	} else {
		results = append(results, doctor.Pass("systemctl binary", "on PATH"))
	}

	// /run is root-owned and cleared on boot; creating the socket
	// directory is an elevated fix.
	results = append(results, checkDirectory("daemon socket dir", filepath.Dir(cfg.Daemon.Socket), true, true))
	return results
}

// checkSites produces one row per registered site: workspace present,
// override readable, no interrupted switch left behind. All site
// problems are warnings, not failures, because a broken site does not
// block new deployments.
func checkSites(ctx context.Context, cfg *config.Config, store *registry.Store, manager *lifecycle.Manager) []doctor.Result {
	records, err := store.ListForServer(ctx, cfg.ServerID)
	if err != nil {
		return []doctor.Result{doctor.Fail("sites", err.Error())}
	}
	if len(records) == 0 {
		return []doctor.Result{doctor.Pass("sites", "no registered sites")}
	}

	var results []doctor.Result
	for _, record := range records {
		results = append(results, checkSite(cfg, manager, record))
	}
	return results
}

func checkSite(cfg *config.Config, manager *lifecycle.Manager, record registry.Record) doctor.Result {
	workspace := filepath.Join(cfg.Paths.WorkspaceRoot, record.Hostname)
	if _, err := os.Stat(workspace); errors.Is(err, fs.ErrNotExist) {
		return doctor.Warn(record.Hostname, "workspace missing (registered but not provisioned)")
	}

	mode, err := manager.CurrentMode(record.Hostname)
	if err != nil {
		return doctor.Warn(record.Hostname, fmt.Sprintf("override unreadable: %v", err))
	}

	journal, err := manager.InterruptedSwitch(record.Hostname)
	if err != nil {
		return doctor.Warn(record.Hostname, fmt.Sprintf("switch journal unreadable: %v", err))
	}
	if journal != nil {
		return doctor.Warn(record.Hostname,
			fmt.Sprintf("interrupted switch to %s (phase %s); the next switch will recover", journal.To, journal.Phase))
	}

	return doctor.Pass(record.Hostname, fmt.Sprintf("mode %s, port %d", mode, record.Port))
}
