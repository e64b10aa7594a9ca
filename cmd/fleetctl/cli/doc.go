// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for fleetctl.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a [pflag.FlagSet]
// factory, and a Run function. Commands are assembled into a tree in
// cmd/fleetctl/commands and dispatched via [Command.Execute], which
// handles flag parsing, subcommand routing, and structured help output
// with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3). This is
// implemented in suggest.go.
//
// Parameter structs bind flags declaratively through struct tags (see
// [BindFlags]) and share two embeddable pieces: [JSONOutput] for the
// --json flag and [ConfigFlag] for selecting the orchestrator config
// file.
package cli
