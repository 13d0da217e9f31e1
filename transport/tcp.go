// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener serves the daemon's control surface over plain TCP. The
// daemon and its clients share a machine or a trusted network; anything
// beyond that is for a fronting proxy to provide.
type TCPListener struct {
	listener net.Listener
	server   *http.Server
}

// NewTCPListener binds the control listener to address (e.g.
// "127.0.0.1:7070"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve accepts connections and dispatches to handler. Blocks until
// ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler http.Handler) error {
	l.server = &http.Server{
		Handler: handler,
		// Attach WebSockets live for hours; only the header read gets
		// a deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		l.server.Close()
	}()

	err := l.server.Serve(l.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Address returns the bound TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener.
func (l *TCPListener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return l.listener.Close()
}

// TCPDialer opens TCP connections to a daemon's control surface.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means no
	// standalone timeout — only the context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
