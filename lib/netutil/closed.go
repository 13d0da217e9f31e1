// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies transport teardown errors. Session read
// loops and the terminal relay use it to keep ordinary disconnects out
// of the error log while still surfacing genuine failures.
package netutil

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"
)

// IsExpectedClose reports whether err is a normal connection
// termination: EOF, a closed connection, a broken pipe, a reset, or a
// clean WebSocket close handshake. A proxy tearing down its transport
// always produces one of these on whichever goroutine was mid-read or
// mid-write, so they are logged at debug level, not as failures.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}
