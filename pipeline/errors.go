// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "fmt"

// ProvisionError reports that workspace provisioning failed. Nothing
// was created that needs cleanup; the whole Deploy call is safe to
// retry.
type ProvisionError struct {
	Hostname string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Hostname, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// RegistrationError reports that the registry insert failed after the
// workspace was provisioned. When Orphaned is true the workspace and
// its service exist without a registry record; the coordinator leaves
// them in place (a provisioned-but-unrouted tenant is recoverable, a
// torn-down one is not) and the sweep reports them.
type RegistrationError struct {
	Hostname string
	Orphaned bool
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registering %s: %v", e.Hostname, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// RoutingError reports that routing activation failed after
// registration succeeded. The domain is registered but unreachable;
// retrying reconcile alone is safe and sufficient.
type RoutingError struct {
	Hostname string
	Err      error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("activating routing for %s: %v", e.Hostname, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
