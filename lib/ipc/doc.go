// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the JSON message types for the fleet-hostd Unix
// socket protocol. Both cmd/fleet-hostd and the fleetctl client import
// this package so the wire types are defined once rather than
// mirrored.
//
// The protocol is one request object and one response object per
// connection: the client connects, writes a [Request], reads a
// [Response], and closes. No framing beyond the JSON objects
// themselves, no pipelining.
package ipc
