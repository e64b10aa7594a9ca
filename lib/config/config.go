// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the per-server orchestrator configuration.
//
// Configuration comes from a single YAML file specified by:
//   - the FLEET_CONFIG environment variable, or
//   - the --config flag passed to a binary
//
// There are no fallbacks or automatic discovery; deployment is
// auditable because exactly one file defines the server. The file may
// contain environment-specific sections (development, staging,
// production) that override base values when the environment matches.
//
// The loaded Config is immutable for the process lifetime. Changing it
// means editing the file and restarting the orchestrator, not a
// runtime operation.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/webalive/fleet/lib/hostname"
)

// Environment identifies the deployment type.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production fleet servers.
	Production Environment = "production"
)

// Config is the master configuration for one fleet server.
type Config struct {
	// ServerID names this physical server in the domain registry.
	// Deployment requests routed here register rows with this id, and
	// reconcile renders only rows that carry it.
	ServerID string `yaml:"server_id"`

	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Paths     PathsConfig     `yaml:"paths"`
	Routing   RoutingConfig   `yaml:"routing"`
	Shell     ShellConfig     `yaml:"shell"`
	Service   ServiceConfig   `yaml:"service"`
	Provision ProvisionConfig `yaml:"provision"`
	Registry  RegistryConfig  `yaml:"registry"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Sentry    SentryConfig    `yaml:"sentry"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that commonly differ between
// environments.
type Overrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Registry *RegistryConfig `yaml:"registry,omitempty"`
	Daemon   *DaemonConfig   `yaml:"daemon,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// WorkspaceRoot holds one directory per tenant site (source,
	// dependencies, build output). Created by the provisioner.
	WorkspaceRoot string `yaml:"workspace_root"`

	// SiteRoot holds per-site runtime state the orchestrator owns:
	// switch journals and crash reports.
	SiteRoot string `yaml:"site_root"`

	// GeneratedDir receives the rendered routing artifacts.
	GeneratedDir string `yaml:"generated_dir"`

	// OverrideRoot is the systemd drop-in root; per-site override
	// files live at <OverrideRoot>/<unit>.d/override.conf.
	OverrideRoot string `yaml:"override_root"`

	// TemplateRoot holds the site templates new deployments copy
	// from. Template paths in deployment requests must resolve under
	// it.
	TemplateRoot string `yaml:"template_root"`
}

// RoutingConfig configures the routing generator's outputs and the
// units it reloads.
type RoutingConfig struct {
	// RoutesFile receives the per-host reverse-proxy blocks.
	RoutesFile string `yaml:"routes_file"`

	// ShellRoutesFile receives the shell front-door proxy blocks.
	ShellRoutesFile string `yaml:"shell_routes_file"`

	// SNIMapFile receives the TLS server-name → backend map consumed
	// by the front TCP router.
	SNIMapFile string `yaml:"sni_map_file"`

	// PortMapFile receives the hostname → port JSON consumed by the
	// preview proxy (re-read on SIGHUP).
	PortMapFile string `yaml:"port_map_file"`

	// PreviewBase is the domain under which preview hostnames are
	// minted: preview--<label>.<PreviewBase>.
	PreviewBase string `yaml:"preview_base"`

	// FrameAncestors is the allow-list of parent origins permitted to
	// embed preview hosts in an iframe.
	FrameAncestors []string `yaml:"frame_ancestors"`

	// DefaultBackend is the SNI map fallback: where TLS connections
	// for unrecognized server names are forwarded (the web proxy).
	DefaultBackend string `yaml:"default_backend"`

	// ProxyUnit and RouterUnit are reloaded (never restarted) after a
	// successful render.
	ProxyUnit  string `yaml:"proxy_unit"`
	RouterUnit string `yaml:"router_unit"`

	// CaddyBase is the hand-maintained base Caddyfile. The preflight
	// validator checks it defines the snippet the generated blocks
	// import and that it imports the generated files.
	CaddyBase string `yaml:"caddy_base"`
}

// ShellConfig is the secondary "shell" front door: fixed platform
// domains (terminal, shell access) served by their own upstream,
// multiplexed on the same listener via SNI.
type ShellConfig struct {
	Domains []string `yaml:"domains"`

	// ListenSuffix is appended to each shell domain's site address in
	// the generated Caddy blocks (e.g. ":8443" to terminate on an
	// internal port). Empty means the default listener.
	ListenSuffix string `yaml:"listen_suffix"`

	// Upstream receives both the proxied shell traffic and the SNI
	// map entries for the shell domains.
	Upstream string `yaml:"upstream"`
}

// ServiceConfig configures per-site service units and mode switching.
type ServiceConfig struct {
	// UnitPrefix namespaces site units: <UnitPrefix><label>.service.
	UnitPrefix string `yaml:"unit_prefix"`

	// AppSubdir is the app directory inside a site workspace.
	AppSubdir string `yaml:"app_subdir"`

	// DevCommand and BuildCommand are ExecStart templates for the two
	// serving modes; BuildStep compiles the site before a build-mode
	// switch. ${PORT} and ${APP_DIR} are substituted at write time.
	DevCommand   string `yaml:"dev_command"`
	BuildCommand string `yaml:"build_command"`
	BuildStep    string `yaml:"build_step"`

	// BuildTimeout bounds the compile step; RestartTimeout bounds
	// each systemctl invocation.
	BuildTimeout   Duration `yaml:"build_timeout"`
	RestartTimeout Duration `yaml:"restart_timeout"`
}

// ProvisionConfig configures the workspace provisioner script.
type ProvisionConfig struct {
	// Command is the provisioning executable and its fixed arguments;
	// the hostname and template path are appended per call.
	Command []string `yaml:"command"`

	Timeout Duration `yaml:"timeout"`
}

// RegistryConfig configures the domain registry store.
type RegistryConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// DaemonConfig configures fleet-hostd.
type DaemonConfig struct {
	// Socket is the unix socket the daemon serves deployment requests
	// on.
	Socket string `yaml:"socket"`

	// SweepInterval is how often the orphan sweep runs. Zero disables
	// the periodic sweep.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// SentryConfig configures optional error reporting (daemon only).
type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the defaults the config file is merged over. They
// exist so every field has a sensible value, not as a substitute for
// the file. Load still requires one.
func Default() *Config {
	return &Config{
		Environment: Production,
		Paths: PathsConfig{
			WorkspaceRoot: "/srv/webalive/sites",
			SiteRoot:      "/var/lib/fleet/sites",
			GeneratedDir:  "/var/lib/fleet/generated",
			OverrideRoot:  "/etc/systemd/system",
			TemplateRoot:  "/srv/webalive/templates",
		},
		Routing: RoutingConfig{
			RoutesFile:      "/var/lib/fleet/generated/routes.caddy",
			ShellRoutesFile: "/var/lib/fleet/generated/shell.caddy",
			SNIMapFile:      "/var/lib/fleet/generated/sni-map.conf",
			PortMapFile:     "/var/lib/fleet/generated/port-map.json",
			PreviewBase:     "alive.best",
			FrameAncestors:  []string{"https://alive.best", "https://app.alive.best"},
			DefaultBackend:  "127.0.0.1:8443",
			ProxyUnit:       "caddy.service",
			RouterUnit:      "fleet-router.service",
			CaddyBase:       "/etc/caddy/Caddyfile",
		},
		Shell: ShellConfig{
			Upstream: "127.0.0.1:7070",
		},
		Service: ServiceConfig{
			UnitPrefix:     "site-",
			AppSubdir:      "app",
			DevCommand:     "/usr/bin/npm run dev --prefix ${APP_DIR} -- --port ${PORT} --host 127.0.0.1",
			BuildCommand:   "/usr/bin/npm run start --prefix ${APP_DIR}",
			BuildStep:      "/usr/bin/npm run build --prefix ${APP_DIR}",
			BuildTimeout:   Duration(120 * time.Second),
			RestartTimeout: Duration(10 * time.Second),
		},
		Provision: ProvisionConfig{
			Command: []string{"/usr/lib/fleet/provision-site"},
			Timeout: Duration(180 * time.Second),
		},
		Registry: RegistryConfig{
			Path:     "/var/lib/fleet/registry.db",
			PoolSize: 4,
		},
		Daemon: DaemonConfig{
			Socket:        "/run/fleet/hostd.sock",
			SweepInterval: Duration(time.Hour),
		},
	}
}

// Load loads configuration from the FLEET_CONFIG environment variable.
// There is no fallback path; if FLEET_CONFIG is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("FLEET_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FLEET_CONFIG environment variable not set; " +
			"set it to the path of your fleet.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file. The file is the
// single source of truth; environment variables never override loaded
// values. The only expansion performed is ${VAR} / ${VAR:-default} in
// path fields, for portability across servers.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides merges the section matching Environment
// over the base values. Empty override fields leave the base value in
// place.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if p := overrides.Paths; p != nil {
		mergeString(&c.Paths.WorkspaceRoot, p.WorkspaceRoot)
		mergeString(&c.Paths.SiteRoot, p.SiteRoot)
		mergeString(&c.Paths.GeneratedDir, p.GeneratedDir)
		mergeString(&c.Paths.OverrideRoot, p.OverrideRoot)
		mergeString(&c.Paths.TemplateRoot, p.TemplateRoot)
	}
	if r := overrides.Registry; r != nil {
		mergeString(&c.Registry.Path, r.Path)
		if r.PoolSize > 0 {
			c.Registry.PoolSize = r.PoolSize
		}
	}
	if d := overrides.Daemon; d != nil {
		mergeString(&c.Daemon.Socket, d.Socket)
		if d.SweepInterval > 0 {
			c.Daemon.SweepInterval = d.SweepInterval
		}
	}
}

func mergeString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// expandVariables expands ${VAR} / ${VAR:-default} in path fields.
// Service command templates are deliberately NOT expanded here; their
// ${PORT} and ${APP_DIR} placeholders are substituted per switch.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	fields := []*string{
		&c.Paths.WorkspaceRoot,
		&c.Paths.SiteRoot,
		&c.Paths.GeneratedDir,
		&c.Paths.OverrideRoot,
		&c.Paths.TemplateRoot,
		&c.Routing.RoutesFile,
		&c.Routing.ShellRoutesFile,
		&c.Routing.SNIMapFile,
		&c.Routing.PortMapFile,
		&c.Routing.CaddyBase,
		&c.Registry.Path,
		&c.Daemon.Socket,
	}
	for _, field := range fields {
		*field = expandVars(*field, vars)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerID == "" {
		errs = append(errs, fmt.Errorf("server_id is required"))
	}
	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	required := []struct {
		name  string
		value string
	}{
		{"paths.workspace_root", c.Paths.WorkspaceRoot},
		{"paths.site_root", c.Paths.SiteRoot},
		{"paths.generated_dir", c.Paths.GeneratedDir},
		{"paths.override_root", c.Paths.OverrideRoot},
		{"paths.template_root", c.Paths.TemplateRoot},
		{"routing.routes_file", c.Routing.RoutesFile},
		{"routing.sni_map_file", c.Routing.SNIMapFile},
		{"routing.port_map_file", c.Routing.PortMapFile},
		{"routing.preview_base", c.Routing.PreviewBase},
		{"routing.default_backend", c.Routing.DefaultBackend},
		{"routing.proxy_unit", c.Routing.ProxyUnit},
		{"service.unit_prefix", c.Service.UnitPrefix},
		{"service.dev_command", c.Service.DevCommand},
		{"service.build_command", c.Service.BuildCommand},
		{"service.build_step", c.Service.BuildStep},
		{"registry.path", c.Registry.Path},
		{"daemon.socket", c.Daemon.Socket},
	}
	for _, field := range required {
		if field.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field.name))
		}
	}

	// PreviewBase hosts minted preview labels, so it must itself be a
	// valid hostname.
	if c.Routing.PreviewBase != "" {
		if err := hostname.Validate(c.Routing.PreviewBase); err != nil {
			errs = append(errs, fmt.Errorf("routing.preview_base: %w", err))
		}
	}
	for _, domain := range c.Shell.Domains {
		if err := hostname.Validate(domain); err != nil {
			errs = append(errs, fmt.Errorf("shell.domains %q: %w", domain, err))
		}
	}
	if len(c.Shell.Domains) > 0 && c.Shell.Upstream == "" {
		errs = append(errs, fmt.Errorf("shell.upstream is required when shell.domains is set"))
	}
	if len(c.Provision.Command) == 0 {
		errs = append(errs, fmt.Errorf("provision.command is required"))
	}

	if c.Service.BuildTimeout <= 0 {
		errs = append(errs, fmt.Errorf("service.build_timeout must be positive"))
	}
	if c.Service.RestartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("service.restart_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasSystemd reports whether systemd is the running init system.
func HasSystemd() bool {
	_, err := os.Stat("/run/systemd/system")
	return err == nil
}

// EnsurePaths creates the directories the orchestrator writes to.
// Read-only locations (override root, template root, caddy base) are
// left to the machine setup.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.WorkspaceRoot,
		c.Paths.SiteRoot,
		c.Paths.GeneratedDir,
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
