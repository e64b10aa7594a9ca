// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline coordinates the provisioning of a new website:
// workspace creation, registry insertion, and routing activation, in
// that order, with a typed error per stage so callers know exactly
// what state a failed deploy left behind.
package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/hostname"
	"github.com/webalive/fleet/lib/tasks"
	"github.com/webalive/fleet/registry"
)

// Provisioner creates a site workspace and its service, returning the
// allocated port. Implemented by provision.Script; tests fake it.
// Implementations bound their own execution time: once the pipeline
// has started a provision it never cancels it, because killing a
// half-created workspace leaves worse residue than finishing it.
type Provisioner interface {
	Provision(ctx context.Context, hostname, templatePath string) (Provisioned, error)
}

// Provisioned is what a successful provisioning run reports back.
type Provisioned struct {
	Port        uint16
	ServiceName string
}

// Reconciler regenerates routing artifacts from registry state.
// Implemented by routing.Generator.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Request describes one deployment.
type Request struct {
	// Hostname is the site's public DNS name.
	Hostname string

	// TemplatePath names the site template, relative to the
	// configured template root.
	TemplatePath string

	// OrgID is the owning organization, recorded in the registry.
	OrgID string

	// Email is the requesting user's contact address. Logged for the
	// audit trail; the registry does not persist it.
	Email string
}

// Result reports a successful deployment.
type Result struct {
	Hostname    string
	Port        uint16
	ServiceName string

	// CertPending is always true on success: TLS issuance is
	// asynchronous, and the verification probe runs in the
	// background after Deploy returns.
	CertPending bool
}

// Stage boundaries, in execution order. The hook receives these.
const (
	StageProvision = "provision"
	StageRegister  = "register"
	StageActivate  = "activate-routing"
)

// Detached stage bounds. Once provisioning has started the pipeline no
// longer observes the caller's cancellation: register and reconcile
// run on fresh contexts with these timeouts so an abandoned Deploy
// still reaches a stage boundary instead of an unknown state.
const (
	registerTimeout  = 30 * time.Second
	reconcileTimeout = 60 * time.Second
)

// TLS probe bounds: 3 attempts, doubling backoff, each attempt capped.
const (
	probeAttempts     = 3
	probeTimeout      = 10 * time.Second
	probeInitialDelay = 2 * time.Second
)

// Config holds the collaborators for a deployment coordinator.
type Config struct {
	// ServerID is recorded on every registered domain.
	ServerID string

	// Environment decides whether registered records are marked as
	// test-environment rows (development deploys never appear in
	// production routing).
	Environment config.Environment

	// TemplateRoot is the directory site templates live under.
	TemplateRoot string

	// Registry is the domain store. Required.
	Registry *registry.Store

	// Provisioner creates workspaces. Required.
	Provisioner Provisioner

	// Reconciler activates routing after registration. Required.
	Reconciler Reconciler

	// Tasks runs the asynchronous TLS verification probe. Required.
	Tasks *tasks.Runner

	// Clock paces probe backoff.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// StageHook, when set, observes each stage boundary as it is
	// entered. Test instrumentation.
	StageHook func(stage string)

	// Probe overrides the TLS verification dial. Nil means a real
	// TLS handshake against <hostname>:443.
	Probe func(ctx context.Context, hostname string) error
}

// Coordinator runs deployments. Safe for concurrent use; concurrent
// deploys for different hostnames interleave freely, and registry
// uniqueness makes duplicate-hostname races fail fast at the register
// stage.
type Coordinator struct {
	serverID     string
	testEnv      bool
	templateRoot string
	registry     *registry.Store
	provisioner  Provisioner
	reconciler   Reconciler
	tasks        *tasks.Runner
	clock        clock.Clock
	logger       *slog.Logger
	stageHook    func(string)
	probe        func(ctx context.Context, hostname string) error
}

// New validates the configuration and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pipeline: Registry is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("pipeline: Provisioner is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("pipeline: Reconciler is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("pipeline: Tasks is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("pipeline: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("pipeline: Logger is required")
	}

	probe := cfg.Probe
	if probe == nil {
		probe = probeTLS
	}

	return &Coordinator{
		serverID:     cfg.ServerID,
		testEnv:      cfg.Environment == config.Development,
		templateRoot: cfg.TemplateRoot,
		registry:     cfg.Registry,
		provisioner:  cfg.Provisioner,
		reconciler:   cfg.Reconciler,
		tasks:        cfg.Tasks,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		stageHook:    cfg.StageHook,
		probe:        probe,
	}, nil
}

// Deploy provisions a new site end to end. On success the site is
// provisioned, registered, and routed; only certificate issuance is
// still pending (verified asynchronously). On failure the returned
// error's type tells the caller what completed: a *ProvisionError
// means nothing happened, a *RegistrationError means an orphaned
// workspace may exist, a *RoutingError means the domain is registered
// but not yet reachable.
func (c *Coordinator) Deploy(ctx context.Context, request Request) (Result, error) {
	templatePath, err := c.validate(request)
	if err != nil {
		return Result{}, err
	}

	// Last point where the caller's cancellation is honored. From the
	// provision stage on, the pipeline runs to a stage boundary even
	// if the caller hangs up.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("deploy aborted before provisioning: %w", err)
	}

	c.logger.Info("deploy started",
		"hostname", request.Hostname,
		"template", request.TemplatePath,
		"org", request.OrgID,
		"email", request.Email,
	)
	start := time.Now()

	c.stage(StageProvision)
	provisioned, err := c.provisioner.Provision(context.Background(), request.Hostname, templatePath)
	if err != nil {
		return Result{}, &ProvisionError{Hostname: request.Hostname, Err: err}
	}

	// The workspace now exists. The remaining stages run on detached,
	// time-bounded contexts: a caller hanging up must not strand a
	// provisioned site half-registered.
	c.stage(StageRegister)
	registerCtx, cancelRegister := context.WithTimeout(context.Background(), registerTimeout)
	err = c.registry.Insert(registerCtx, registry.Record{
		Hostname:  request.Hostname,
		Port:      provisioned.Port,
		OrgID:     request.OrgID,
		ServerID:  c.serverID,
		IsTestEnv: c.testEnv,
	})
	cancelRegister()
	if err != nil {
		return Result{}, &RegistrationError{
			Hostname: request.Hostname,
			Orphaned: true,
			Err:      err,
		}
	}

	c.stage(StageActivate)
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), reconcileTimeout)
	err = c.reconciler.Reconcile(reconcileCtx)
	cancelReconcile()
	if err != nil {
		return Result{}, &RoutingError{Hostname: request.Hostname, Err: err}
	}

	c.tasks.Submit("tls-probe "+request.Hostname, func(ctx context.Context) error {
		return c.verifyCertificate(ctx, request.Hostname)
	})

	c.logger.Info("deploy complete",
		"hostname", request.Hostname,
		"port", provisioned.Port,
		"service", provisioned.ServiceName,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return Result{
		Hostname:    request.Hostname,
		Port:        provisioned.Port,
		ServiceName: provisioned.ServiceName,
		CertPending: true,
	}, nil
}

// validate checks the request before anything irreversible runs, and
// resolves the template path under the template root.
func (c *Coordinator) validate(request Request) (string, error) {
	if err := hostname.Validate(request.Hostname); err != nil {
		return "", fmt.Errorf("invalid hostname: %w", err)
	}
	if request.TemplatePath == "" {
		return "", fmt.Errorf("template path is required")
	}
	if !filepath.IsLocal(request.TemplatePath) {
		return "", fmt.Errorf("template path %q escapes the template root", request.TemplatePath)
	}

	resolved := filepath.Join(c.templateRoot, request.TemplatePath)
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("template %q: %w", request.TemplatePath, err)
	}
	return resolved, nil
}

func (c *Coordinator) stage(name string) {
	if c.stageHook != nil {
		c.stageHook(name)
	}
	c.logger.Debug("pipeline stage", "stage", name)
}

// verifyCertificate checks that the new hostname serves a valid
// certificate. Best-effort: issuance takes however long the CA takes,
// so a still-failing final attempt is only a warning.
func (c *Coordinator) verifyCertificate(ctx context.Context, host string) error {
	delay := probeInitialDelay
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.probe(attemptCtx, host)
		cancel()
		if err == nil {
			c.logger.Info("certificate verified", "hostname", host, "attempt", attempt)
			return nil
		}
		if attempt == probeAttempts {
			return fmt.Errorf("certificate for %s not verifiable after %d attempts: %w",
				host, probeAttempts, err)
		}
		c.logger.Debug("certificate probe failed, retrying",
			"hostname", host,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		c.clock.Sleep(delay)
		delay *= 2
	}
	return nil
}

// probeTLS performs a real TLS handshake against the hostname's HTTPS
// port. A completed handshake means a trusted certificate is live.
func probeTLS(ctx context.Context, host string) error {
	dialer := &tls.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return err
	}
	return conn.Close()
}
