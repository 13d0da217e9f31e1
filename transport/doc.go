// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the daemon's control-plane networking.
//
// The package defines two interfaces: [Listener] accepts inbound
// connections on the daemon's control surface (Serve, Address, Close),
// and [Dialer] establishes outbound connections to a daemon
// (DialContext). The daemon serves its health endpoint and terminal
// attach WebSockets through a Listener; the attach CLI reaches the
// daemon through a Dialer. Sessions and instances never interact with
// transport directly — they see the engine and local ports.
//
// [TCPListener] and [TCPDialer] are the production implementations.
// Attach connections are long-lived, so the listener bounds only the
// request-header read, never the connection lifetime.
//
// [HTTPTransport] wraps a Dialer as an http.RoundTripper for standard
// HTTP client code, pinning every request to one daemon address
// regardless of the URL host.
package transport
