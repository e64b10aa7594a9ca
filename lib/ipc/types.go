// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Request is a JSON-encoded request to the host daemon, sent over its
// Unix socket.
type Request struct {
	// Op is the request type: "deploy", "switch-mode", "reconcile",
	// "sweep", or "status".
	Op string `json:"op"`

	// Hostname is the site to operate on (deploy, switch-mode).
	Hostname string `json:"hostname,omitempty"`

	// Template is the site template path for deploy, relative to the
	// configured template root.
	Template string `json:"template,omitempty"`

	// Org is the owning organization recorded on deploy.
	Org string `json:"org,omitempty"`

	// Email is the requesting user's contact address, carried on
	// deploy for the audit log.
	Email string `json:"email,omitempty"`

	// Mode is the target serving mode for switch-mode: "dev" or
	// "build".
	Mode string `json:"mode,omitempty"`

	// NoBuild skips the compile step before a build-mode switch.
	NoBuild bool `json:"no_build,omitempty"`
}

// Error kinds carried on failed responses. They tell the caller which
// pipeline stage rejected the request, which decides whether a retry
// is safe and what residue may exist.
const (
	KindValidation   = "validation"
	KindProvision    = "provision"
	KindRegistration = "registration"
	KindRouting      = "routing"
	KindSwitch       = "switch"
	KindInternal     = "internal"
)

// Response is a JSON-encoded response from the host daemon. Exactly
// one of the result fields is set on success, matching the request op.
type Response struct {
	// OK indicates whether the request succeeded.
	OK bool `json:"ok"`

	// Kind classifies the failure when OK is false. One of the Kind
	// constants.
	Kind string `json:"kind,omitempty"`

	// Error is the failure message when OK is false.
	Error string `json:"error,omitempty"`

	Deploy *DeployResult `json:"deploy,omitempty"`
	Switch *SwitchResult `json:"switch,omitempty"`
	Sweep  *SweepReport  `json:"sweep,omitempty"`
	Status *StatusInfo   `json:"status,omitempty"`
}

// DeployResult reports a completed deployment.
type DeployResult struct {
	Hostname    string `json:"hostname"`
	Port        uint16 `json:"port"`
	ServiceName string `json:"service_name"`

	// CertPending is always true: TLS issuance is asynchronous and
	// verified in the background after the response is written.
	CertPending bool `json:"cert_pending"`
}

// SwitchResult reports a completed mode switch.
type SwitchResult struct {
	Hostname string `json:"hostname"`

	// Mode is the mode the service is actually in afterward. When
	// Reverted is true this is "dev" regardless of what was requested.
	Mode string `json:"mode"`

	// AlreadyInMode is true when the service was in the requested mode
	// before the switch (the override is still rewritten).
	AlreadyInMode bool `json:"already_in_mode,omitempty"`

	// Reverted is true when a build-mode switch crashed on startup and
	// the service was returned to dev.
	Reverted bool `json:"reverted,omitempty"`

	// Diagnostic carries the captured journal tail when Reverted.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// SweepReport lists the residue an orphan sweep found.
type SweepReport struct {
	// Orphans are workspace directories with no registry record for
	// this server.
	Orphans []string `json:"orphans"`

	// MissingWorkspace are registered hostnames whose workspace
	// directory is gone.
	MissingWorkspace []string `json:"missing_workspace"`
}

// StatusInfo describes a running daemon.
type StatusInfo struct {
	ServerID string `json:"server_id"`
	Version  string `json:"version"`

	// Domains is the registered domain count for this server.
	Domains int `json:"domains"`

	// UptimeSeconds is how long the daemon has been serving.
	UptimeSeconds int64 `json:"uptime_seconds"`
}
