// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// defaultCallTimeout bounds a Call when the context carries no
// deadline. Deploys are the slowest op and are themselves bounded by
// the daemon's provision timeout, so this is generous.
const defaultCallTimeout = 5 * time.Minute

// Call sends one request to the daemon socket and reads the response.
// The context's deadline, when set, bounds the whole exchange.
func Call(ctx context.Context, socketPath string, request Request) (Response, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return Response{}, fmt.Errorf("sending request to daemon: %w", err)
	}

	var response Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return Response{}, fmt.Errorf("reading response from daemon: %w", err)
	}

	return response, nil
}
