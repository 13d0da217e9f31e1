// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/annex/engine"
)

// DefaultSessionName is the shared tmux session every attachment and
// the in-container agent join.
const DefaultSessionName = "main"

// Mux controls the tmux server inside an instance container. All
// commands run through engine exec with structured argv against the
// container's default tmux socket.
type Mux struct {
	engine  *engine.Engine
	session string
}

// NewMux returns a Mux for the named shared session. An empty name
// uses DefaultSessionName.
func NewMux(eng *engine.Engine, session string) *Mux {
	if session == "" {
		session = DefaultSessionName
	}
	return &Mux{engine: eng, session: session}
}

// SessionName returns the shared session name.
func (m *Mux) SessionName() string { return m.session }

// HasSession reports whether the shared session exists in the
// container. A failed probe (no tmux server yet) reads as absent.
func (m *Mux) HasSession(ctx context.Context, containerID string) bool {
	_, err := m.engine.Exec(ctx, containerID, []string{"tmux", "has-session", "-t", m.session}, nil)
	return err == nil
}

// EnsureSession creates the shared session when it does not exist yet.
// Existing sessions are left untouched.
func (m *Mux) EnsureSession(ctx context.Context, containerID string) error {
	if m.HasSession(ctx, containerID) {
		return nil
	}
	_, err := m.engine.Exec(ctx, containerID, []string{"tmux", "new-session", "-d", "-s", m.session}, nil)
	if err != nil {
		return fmt.Errorf("creating tmux session %q in container %q: %w", m.session, containerID, err)
	}
	return nil
}

// KillSession terminates the shared session. A session that is already
// gone, or a tmux server that never started, is a normal cleanup
// condition, not an error.
func (m *Mux) KillSession(ctx context.Context, containerID string) error {
	_, err := m.engine.Exec(ctx, containerID, []string{"tmux", "kill-session", "-t", m.session}, nil)
	if err != nil {
		message := err.Error()
		if strings.Contains(message, "can't find session") ||
			strings.Contains(message, "no server running") {
			return nil
		}
		return err
	}
	return nil
}

// ClientTTYs returns the controlling terminal device of every client
// attached to the shared session, one path per attached viewer.
func (m *Mux) ClientTTYs(ctx context.Context, containerID string) ([]string, error) {
	out, err := m.engine.Exec(ctx, containerID,
		[]string{"tmux", "list-clients", "-t", m.session, "-F", "#{client_tty}"}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tmux clients in container %q: %w", containerID, err)
	}
	var ttys []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ttys = append(ttys, line)
		}
	}
	return ttys, nil
}

// ApplyWindowSize sets the kernel window size on every client TTY of
// the shared session. tmux observes the winsize change and relays the
// new dimensions to the session's processes, redrawing every viewer.
func (m *Mux) ApplyWindowSize(ctx context.Context, containerID string, rows, cols uint16) error {
	ttys, err := m.ClientTTYs(ctx, containerID)
	if err != nil {
		return err
	}
	for _, tty := range ttys {
		argv := []string{"stty", "-F", tty,
			"rows", strconv.Itoa(int(rows)),
			"cols", strconv.Itoa(int(cols))}
		if _, err := m.engine.Exec(ctx, containerID, argv, nil); err != nil {
			return fmt.Errorf("resizing tty %s in container %q: %w", tty, containerID, err)
		}
	}
	return nil
}

// AttachArgv returns the host argv that joins the shared session
// interactively: an engine exec with a TTY running tmux in
// attach-or-create mode, so the first viewer brings the session up and
// later viewers share it.
func (m *Mux) AttachArgv(containerID string) []string {
	return m.engine.AttachArgv(containerID, "tmux", "-u", "new-session", "-A", "-s", m.session)
}
