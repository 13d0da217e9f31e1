// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Handler answers one service request from an in-container agent. The
// returned payload travels back verbatim as the response data; a
// returned error becomes a failure response carrying its message.
type Handler func(ctx context.Context, instanceID, service, action string, params json.RawMessage) (json.RawMessage, error)

// Dispatcher routes inbound agent service requests to the registered
// handler. At most one handler can ever be registered; the integration
// that owns the process wires it once at startup.
type Dispatcher struct {
	mu      sync.Mutex
	handler Handler
}

// NewDispatcher returns a dispatcher with no handler. Requests
// dispatched before registration fail with a synthesized error so the
// in-container caller still gets its response.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register installs the handler. A second registration is rejected.
func (d *Dispatcher) Register(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("register service handler: handler is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != nil {
		return ErrHandlerRegistered
	}
	d.handler = handler
	return nil
}

// Registered reports whether a handler is installed.
func (d *Dispatcher) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler != nil
}

// Dispatch routes one request to the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, instanceID, service, action string, params json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return nil, errors.New("no service handler registered")
	}
	return handler(ctx, instanceID, service, action, params)
}
