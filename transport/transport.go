// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/http"
)

// Listener accepts inbound connections on the daemon's control
// surface. The daemon creates a Listener and calls Serve with a
// handler routing health checks and terminal attach upgrades.
type Listener interface {
	// Serve starts accepting connections and dispatches to handler.
	// Blocks until ctx is cancelled or Close is called. Returns nil
	// on clean shutdown.
	Serve(ctx context.Context, handler http.Handler) error

	// Address returns the bound address clients connect to. The format
	// is transport-specific (e.g. "127.0.0.1:7070" for TCP). Useful
	// when the configured address picked a random port.
	Address() string

	// Close shuts down the listener. A Serve in progress returns.
	Close() error
}

// Dialer opens connections to a daemon's control surface. The attach
// CLI uses a Dialer both for its health preflight and as the network
// layer under its WebSocket handshake.
type Dialer interface {
	// DialContext opens a connection to the daemon at address. The
	// address format matches what the daemon's Listener.Address()
	// returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// HTTPTransport creates an http.RoundTripper that routes every request
// through dialer to address. The URL host in requests is ignored — the
// connection target is fixed. This lets plain HTTP clients talk to a
// daemon named by address alone.
func HTTPTransport(dialer Dialer, address string) http.RoundTripper {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, address)
		},
	}
}
