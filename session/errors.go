// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	// ErrSessionNotFound reports an instanceID with no active session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists reports an attach for an instanceID that already
	// has a live session.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionDestroyed rejects pending requests and late operations
	// on a torn-down session.
	ErrSessionDestroyed = errors.New("session destroyed")

	// ErrRequestTimeout reports a correlated request whose expiry fired
	// before a response arrived.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAttachTimeout reports an initial connect loop that exhausted
	// its time budget without reaching the service.
	ErrAttachTimeout = errors.New("attach budget exhausted")

	// ErrNotConnected reports a send attempted while no transport is
	// live but the reconnect machine is still working.
	ErrNotConnected = errors.New("no live transport")

	// ErrReconnectsExhausted reports a send attempted after the retry
	// policy's attempt budget was spent. The session will never
	// reconnect on its own; the caller must replace it.
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")

	// ErrHandlerRegistered reports a second service-handler
	// registration.
	ErrHandlerRegistered = errors.New("service handler already registered")
)
