// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/webalive/fleet/lib/testutil"
)

// serveOnce accepts a single connection, decodes one request, and
// answers with the response produced by handle.
func serveOnce(t *testing.T, socketPath string, handle func(Request) Response) {
	t.Helper()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var request Request
		if err := json.NewDecoder(conn).Decode(&request); err != nil {
			return
		}
		json.NewEncoder(conn).Encode(handle(request))
	}()
}

func TestCallRoundTrip(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "hostd.sock")
	serveOnce(t, socketPath, func(request Request) Response {
		if request.Op != "status" {
			t.Errorf("daemon saw op %q, want %q", request.Op, "status")
		}
		return Response{
			OK: true,
			Status: &StatusInfo{
				ServerID: "srv1",
				Version:  "0.1.0-dev",
				Domains:  3,
			},
		}
	})

	response, err := Call(context.Background(), socketPath, Request{Op: "status"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if !response.OK {
		t.Fatalf("Call() response not OK: kind=%q error=%q", response.Kind, response.Error)
	}
	if response.Status == nil {
		t.Fatal("Call() response has no status payload")
	}
	if response.Status.ServerID != "srv1" || response.Status.Domains != 3 {
		t.Errorf("status = %+v, want server srv1 with 3 domains", response.Status)
	}
}

func TestCallErrorResponse(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "hostd.sock")
	serveOnce(t, socketPath, func(request Request) Response {
		return Response{OK: false, Kind: KindValidation, Error: "hostname is required"}
	})

	response, err := Call(context.Background(), socketPath, Request{Op: "deploy"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if response.OK {
		t.Fatal("Call() response OK, want failure")
	}
	if response.Kind != KindValidation {
		t.Errorf("kind = %q, want %q", response.Kind, KindValidation)
	}
	if response.Error != "hostname is required" {
		t.Errorf("error = %q, want %q", response.Error, "hostname is required")
	}
}

func TestCallNoDaemon(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")

	_, err := Call(context.Background(), socketPath, Request{Op: "status"})
	if err == nil {
		t.Fatal("Call() = nil error, want connection failure")
	}
}

func TestCallHonorsContextDeadline(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "hostd.sock")

	// A listener that accepts but never answers.
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var request Request
		json.NewDecoder(conn).Decode(&request)
		// Hold the connection open without responding.
		time.Sleep(5 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Call(ctx, socketPath, Request{Op: "status"})
	if err == nil {
		t.Fatal("Call() = nil error, want deadline failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Call() took %v, want prompt deadline return", elapsed)
	}
}
