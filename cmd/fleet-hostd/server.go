// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/ipc"
	"github.com/webalive/fleet/lib/netutil"
	"github.com/webalive/fleet/lib/report"
	"github.com/webalive/fleet/lib/version"
	"github.com/webalive/fleet/lifecycle"
	"github.com/webalive/fleet/pipeline"
	"github.com/webalive/fleet/registry"
	"github.com/webalive/fleet/routing"
	"github.com/webalive/fleet/sweep"
)

// decodeTimeout bounds the request read on a fresh connection. A
// client that connects and stalls is cut off here; once the request
// has arrived the deadline is cleared, because a deploy legitimately
// runs for minutes.
const decodeTimeout = 10 * time.Second

// Daemon holds the long-lived collaborators and serves the socket
// protocol. One request object per connection, one response, close.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *registry.Store
	pipeline  *pipeline.Coordinator
	lifecycle *lifecycle.Manager
	generator *routing.Generator
	sweeper   *sweep.Sweeper
	clock     clock.Clock

	listener  net.Listener
	startedAt time.Time

	// handlers tracks in-flight connections so stop can drain them.
	handlers sync.WaitGroup
}

// start creates the daemon socket and begins accepting connections.
func (d *Daemon) start(ctx context.Context) error {
	socketPath := d.cfg.Daemon.Socket

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	// Remove a stale socket from a previous run. A live daemon would
	// have removed its own on shutdown; anything left is residue.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("creating socket at %s: %w", socketPath, err)
	}
	d.listener = listener

	// Group-writable so operators in the fleet group can use fleetctl
	// without sudo.
	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	d.startedAt = d.clock.Now()

	go d.accept(ctx)
	return nil
}

// stop closes the socket, removes the file, and waits for in-flight
// handlers to finish.
func (d *Daemon) stop() {
	if d.listener != nil {
		d.listener.Close()
		os.Remove(d.cfg.Daemon.Socket)
	}
	d.handlers.Wait()
}

// accept runs the accept loop. Each connection is handled in its own
// goroutine.
func (d *Daemon) accept(ctx context.Context) {
	for {
		connection, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if !netutil.IsExpectedCloseError(err) {
					d.logger.Error("accept connection", "error", err)
				}
				return
			}
		}
		d.handlers.Add(1)
		go func() {
			defer d.handlers.Done()
			d.handle(ctx, connection)
		}()
	}
}

// handle processes a single connection: read one request, dispatch,
// write one response.
func (d *Daemon) handle(ctx context.Context, connection net.Conn) {
	defer connection.Close()

	connection.SetDeadline(time.Now().Add(decodeTimeout))

	var request ipc.Request
	if err := json.NewDecoder(connection).Decode(&request); err != nil {
		d.respond(connection, ipc.Response{
			OK:    false,
			Kind:  ipc.KindValidation,
			Error: fmt.Sprintf("invalid request: %v", err),
		})
		return
	}
	connection.SetDeadline(time.Time{})

	d.respond(connection, d.dispatch(ctx, request))
}

// respond writes the response under a short deadline. A client that
// stopped reading does not pin the handler; one that already hung up
// is not worth an error line.
func (d *Daemon) respond(connection net.Conn, response ipc.Response) {
	connection.SetWriteDeadline(time.Now().Add(decodeTimeout))
	if err := json.NewEncoder(connection).Encode(response); err != nil && !netutil.IsExpectedCloseError(err) {
		d.logger.Error("write response", "error", err)
	}
}

// dispatch routes a request to its handler. Panics are recovered
// here: one poisoned request must not take down every site's
// deployment path.
func (d *Daemon) dispatch(ctx context.Context, request ipc.Request) (response ipc.Response) {
	defer func() {
		if value := recover(); value != nil {
			d.logger.Error("handler panic",
				"op", request.Op,
				"panic", value,
				"stack", string(debug.Stack()),
			)
			report.CapturePanic(value)
			response = ipc.Response{OK: false, Kind: ipc.KindInternal, Error: "internal error"}
		}
	}()

	d.logger.Debug("request received", "op", request.Op, "hostname", request.Hostname)

	switch request.Op {
	case "deploy":
		return d.handleDeploy(ctx, request)
	case "switch-mode":
		return d.handleSwitch(ctx, request)
	case "reconcile":
		return d.handleReconcile(ctx)
	case "sweep":
		return d.handleSweep(ctx)
	case "status":
		return d.handleStatus(ctx)
	default:
		return ipc.Response{
			OK:    false,
			Kind:  ipc.KindValidation,
			Error: fmt.Sprintf("unknown op %q", request.Op),
		}
	}
}

func (d *Daemon) handleDeploy(ctx context.Context, request ipc.Request) ipc.Response {
	if request.Hostname == "" {
		return ipc.Response{OK: false, Kind: ipc.KindValidation, Error: "hostname is required"}
	}
	if request.Template == "" {
		return ipc.Response{OK: false, Kind: ipc.KindValidation, Error: "template is required"}
	}

	result, err := d.pipeline.Deploy(ctx, pipeline.Request{
		Hostname:     request.Hostname,
		TemplatePath: request.Template,
		OrgID:        request.Org,
		Email:        request.Email,
	})
	if err != nil {
		kind := deployKind(err)
		if kind != ipc.KindValidation {
			report.CaptureError(err, "deploy failed", "hostname", request.Hostname)
		}
		return ipc.Response{OK: false, Kind: kind, Error: err.Error()}
	}

	return ipc.Response{OK: true, Deploy: &ipc.DeployResult{
		Hostname:    result.Hostname,
		Port:        result.Port,
		ServiceName: result.ServiceName,
		CertPending: result.CertPending,
	}}
}

// deployKind maps a pipeline error to its wire kind. The kind tells
// the caller what completed before the failure, which decides whether
// a retry is safe and what residue a sweep would find.
func deployKind(err error) string {
	var provisionErr *pipeline.ProvisionError
	var registrationErr *pipeline.RegistrationError
	var routingErr *pipeline.RoutingError
	switch {
	case errors.As(err, &provisionErr):
		return ipc.KindProvision
	case errors.As(err, &registrationErr):
		return ipc.KindRegistration
	case errors.As(err, &routingErr):
		return ipc.KindRouting
	default:
		// Everything before the provision stage is input validation.
		return ipc.KindValidation
	}
}

func (d *Daemon) handleSwitch(ctx context.Context, request ipc.Request) ipc.Response {
	if request.Hostname == "" {
		return ipc.Response{OK: false, Kind: ipc.KindValidation, Error: "hostname is required"}
	}
	target, err := lifecycle.ParseMode(request.Mode)
	if err != nil {
		return ipc.Response{OK: false, Kind: ipc.KindValidation, Error: err.Error()}
	}

	outcome, err := d.lifecycle.SwitchMode(ctx, request.Hostname, target, !request.NoBuild)
	if err != nil {
		var switchErr *lifecycle.SwitchError
		kind := ipc.KindValidation
		if errors.As(err, &switchErr) {
			kind = ipc.KindSwitch
			report.CaptureError(err, "mode switch failed", "hostname", request.Hostname)
		}
		return ipc.Response{OK: false, Kind: kind, Error: err.Error()}
	}

	return ipc.Response{OK: true, Switch: &ipc.SwitchResult{
		Hostname:      outcome.Hostname,
		Mode:          string(outcome.Mode),
		AlreadyInMode: outcome.AlreadyInMode,
		Reverted:      outcome.Reverted,
		Diagnostic:    outcome.Diagnostic,
	}}
}

func (d *Daemon) handleReconcile(ctx context.Context) ipc.Response {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := d.generator.Reconcile(ctx); err != nil {
		report.CaptureError(err, "reconcile failed")
		return ipc.Response{OK: false, Kind: ipc.KindRouting, Error: err.Error()}
	}
	return ipc.Response{OK: true}
}

func (d *Daemon) handleSweep(ctx context.Context) ipc.Response {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	found, err := d.sweeper.Run(ctx)
	if err != nil {
		return ipc.Response{OK: false, Kind: ipc.KindInternal, Error: err.Error()}
	}
	return ipc.Response{OK: true, Sweep: &ipc.SweepReport{
		Orphans:          found.Orphans,
		MissingWorkspace: found.MissingWorkspace,
	}}
}

func (d *Daemon) handleStatus(ctx context.Context) ipc.Response {
	ctx, cancel := context.WithTimeout(ctx, decodeTimeout)
	defer cancel()

	count, err := d.registry.CountForServer(ctx, d.cfg.ServerID)
	if err != nil {
		return ipc.Response{OK: false, Kind: ipc.KindInternal, Error: err.Error()}
	}

	return ipc.Response{OK: true, Status: &ipc.StatusInfo{
		ServerID:      d.cfg.ServerID,
		Version:       version.Info(),
		Domains:       count,
		UptimeSeconds: int64(d.clock.Now().Sub(d.startedAt).Seconds()),
	}}
}

// sweepLoop runs the periodic orphan sweep. Findings are logged by
// the sweeper; the loop only reports scan failures.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.Daemon.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.sweeper.Run(ctx); err != nil {
				d.logger.Error("periodic sweep failed", "error", err)
			}
		}
	}
}
