// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/annex/lib/clock"
)

// ManagerConfig tunes a session manager's connection behavior.
type ManagerConfig struct {
	// Dialer establishes transports. Nil uses the WebSocket dialer
	// with DialTimeout.
	Dialer Dialer

	// DialTimeout bounds each dial attempt of the default dialer.
	DialTimeout time.Duration

	// AttachBudget and AttachInterval tune the bounded initial
	// connect loop.
	AttachBudget   time.Duration
	AttachInterval time.Duration

	// RequestTimeout bounds each correlated request.
	RequestTimeout time.Duration

	// Clock provides time. Nil uses the system clock.
	Clock clock.Clock

	// Logger receives session logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// variantSession is what the shared manager core needs from a concrete
// session type.
type variantSession interface {
	Attach(context.Context) error
	Destroy()
	TransplantCallbacks() *Callbacks
}

// manager owns the per-instance sessions of one variant. The build
// closure constructs a disconnected session, optionally seeded with a
// transplanted observer arena.
type manager[S variantSession] struct {
	build func(instanceID string, port int, callbacks *Callbacks) S

	mu       sync.Mutex
	sessions map[string]S
}

func newManager[S variantSession](build func(string, int, *Callbacks) S) *manager[S] {
	return &manager[S]{build: build, sessions: make(map[string]S)}
}

// attach creates a session for the instance and runs the bounded
// initial connect. A live session under the id is an error; a failed
// connect removes the placeholder again.
func (m *manager[S]) attach(ctx context.Context, instanceID string, port int) error {
	m.mu.Lock()
	if _, ok := m.sessions[instanceID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("instance %q: %w", instanceID, ErrSessionExists)
	}
	session := m.build(instanceID, port, nil)
	m.sessions[instanceID] = session
	m.mu.Unlock()

	if err := session.Attach(ctx); err != nil {
		m.destroy(instanceID)
		return err
	}
	return nil
}

// createOrReplace attaches a fresh session, carrying the observer
// arena over from any session it replaces. The transplant happens
// before the old session's teardown, so subscribers never see a gap in
// their registrations; the replacement starts with a zero attempt
// counter.
func (m *manager[S]) createOrReplace(ctx context.Context, instanceID string, port int) error {
	m.mu.Lock()
	old, hadOld := m.sessions[instanceID]
	var callbacks *Callbacks
	if hadOld {
		callbacks = old.TransplantCallbacks()
	}
	replacement := m.build(instanceID, port, callbacks)
	m.sessions[instanceID] = replacement
	m.mu.Unlock()

	if hadOld {
		old.Destroy()
	}
	if err := replacement.Attach(ctx); err != nil {
		m.destroy(instanceID)
		return err
	}
	return nil
}

// get returns the live session for the instance.
func (m *manager[S]) get(instanceID string) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[instanceID]
	if !ok {
		var zero S
		return zero, fmt.Errorf("instance %q: %w", instanceID, ErrSessionNotFound)
	}
	return session, nil
}

// destroy tears down and forgets the instance's session. Absent is a
// no-op.
func (m *manager[S]) destroy(instanceID string) {
	m.mu.Lock()
	session, ok := m.sessions[instanceID]
	delete(m.sessions, instanceID)
	m.mu.Unlock()
	if ok {
		session.Destroy()
	}
}

// destroyAll tears down every session.
func (m *manager[S]) destroyAll() {
	m.mu.Lock()
	drained := make([]S, 0, len(m.sessions))
	for _, session := range m.sessions {
		drained = append(drained, session)
	}
	clear(m.sessions)
	m.mu.Unlock()
	for _, session := range drained {
		session.Destroy()
	}
}

// instances returns the ids with live sessions, sorted.
func (m *manager[S]) instances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
