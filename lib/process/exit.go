// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for fleet binaries: the
// raw stderr reporting that happens before the structured logger
// exists or after main has decided to exit.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run(), where the structured logger may not be
// initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
