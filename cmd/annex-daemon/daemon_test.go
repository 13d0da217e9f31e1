// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

// Shared test fixture: a Daemon composed from a scripted engine runner,
// a fake session dialer, and a stand-in engine binary that bridges
// terminal attachments to cat. Engine invocations never reach a real
// container runtime; the only real subprocesses are the PTY-backed cat
// processes behind terminal attachments.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/annex/engine"
	"github.com/bureau-foundation/annex/lib/clock"
	"github.com/bureau-foundation/annex/lib/config"
	"github.com/bureau-foundation/annex/orchestrator"
	"github.com/bureau-foundation/annex/session"
	"github.com/bureau-foundation/annex/terminal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// engineCall is one recorded engine invocation.
type engineCall struct {
	argv  []string
	stdin []byte
}

// fakeRunner records every engine invocation and answers from the
// scripted respond function.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []engineCall
	respond func(argv []string, stdin []byte) (stdout, stderr []byte, err error)
}

func (r *fakeRunner) Run(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, engineCall{
		argv:  append([]string(nil), argv...),
		stdin: append([]byte(nil), stdin...),
	})
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return nil, nil, nil
	}
	return respond(argv, stdin)
}

// commands returns each recorded invocation as one space-joined string,
// without the binary path.
func (r *fakeRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, call := range r.calls {
		out[i] = strings.Join(call.argv[1:], " ")
	}
	return out
}

// countCommands returns how many recorded invocations contain substr.
func (r *fakeRunner) countCommands(substr string) int {
	count := 0
	for _, command := range r.commands() {
		if strings.Contains(command, substr) {
			count++
		}
	}
	return count
}

// stdinFor returns the stdin of the first invocation containing substr.
func (r *fakeRunner) stdinFor(tb testing.TB, substr string) []byte {
	tb.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if strings.Contains(strings.Join(call.argv[1:], " "), substr) {
			return call.stdin
		}
	}
	tb.Fatalf("no engine invocation containing %q (got %d calls)", substr, len(r.calls))
	return nil
}

// sandboxEngine scripts the responses of a healthy host: images exist,
// runs mint sequential container ids from the --name flag, and every
// other invocation succeeds with empty output. Tests layer their own
// respond functions over it for listings and exec output.
func sandboxEngine() func(argv []string, stdin []byte) ([]byte, []byte, error) {
	var mu sync.Mutex
	runs := 0
	return func(argv []string, stdin []byte) ([]byte, []byte, error) {
		if len(argv) < 2 {
			return nil, nil, fmt.Errorf("argv too short: %v", argv)
		}
		switch argv[1] {
		case "run":
			mu.Lock()
			runs++
			sequence := runs
			mu.Unlock()
			for i, arg := range argv {
				if arg == "--name" && i+1 < len(argv) {
					name := strings.TrimPrefix(argv[i+1], "annex-")
					return []byte(fmt.Sprintf("cid%d-%s\n", sequence, name)), nil, nil
				}
			}
			return nil, nil, errors.New("run without --name")
		default:
			return nil, nil, nil
		}
	}
}

// blockedTransport is a connected session transport that never delivers
// messages: reads block until the session closes it.
type blockedTransport struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func newBlockedTransport() *blockedTransport {
	return &blockedTransport{closeCh: make(chan struct{})}
}

func (t *blockedTransport) ReadMessage() (int, []byte, error) {
	<-t.closeCh
	return 0, nil, net.ErrClosed
}

func (t *blockedTransport) WriteMessage(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	return nil
}

func (t *blockedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closeCh)
	}
	return nil
}

// sessionDialer mints blocked transports and records every dialed URL.
// Dials to URLs containing failContaining are refused.
type sessionDialer struct {
	mu             sync.Mutex
	urls           []string
	failContaining string
}

func (d *sessionDialer) dial(ctx context.Context, url string) (session.Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	refuse := d.failContaining != "" && strings.Contains(url, d.failContaining)
	d.mu.Unlock()
	if refuse {
		return nil, errors.New("connection refused")
	}
	return newBlockedTransport(), nil
}

func (d *sessionDialer) refuse(substr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failContaining = substr
}

func (d *sessionDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.urls))
	copy(out, d.urls)
	return out
}

func (d *sessionDialer) dialedContaining(substr string) int {
	count := 0
	for _, url := range d.dialed() {
		if strings.Contains(url, substr) {
			count++
		}
	}
	return count
}

// frameSink records terminal frames for attachments driven directly in
// tests.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *frameSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *frameSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// catScript writes a stand-in engine binary whose interactive attach
// bridges the PTY to cat, so terminal tests exercise a real subprocess
// without a container runtime.
func catScript(tb testing.TB) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		tb.Fatalf("writing engine script: %v", err)
	}
	return path
}

// daemonFixture bundles a test daemon with its fakes.
type daemonFixture struct {
	daemon *Daemon
	runner *fakeRunner
	dialer *sessionDialer
	clk    *clock.FakeClock
}

// newTestDaemon composes a Daemon from fakes: the scripted runner
// answers engine invocations, the fake dialer answers session connects,
// and the cat script stands in for the engine binary on terminal
// attach. Sessions use the real clock with tight budgets so failed
// attaches resolve quickly; everything else runs on the fake clock.
func newTestDaemon(tb testing.TB, respond func(argv []string, stdin []byte) ([]byte, []byte, error)) *daemonFixture {
	tb.Helper()

	logger := testLogger()
	clk := clock.Fake(testEpoch)
	runner := &fakeRunner{respond: respond}
	eng := engine.New(engine.Config{
		Binary: catScript(tb),
		Runner: runner,
		Logger: logger,
	})

	allocator := orchestrator.NewAllocator(10000)
	orch, err := orchestrator.New(orchestrator.Config{
		Engine:    eng,
		Allocator: allocator,
		Image:     "annex-sandbox:latest",
		Prefix:    "annex-",
		Limits: engine.Limits{
			MemoryBytes: 2 << 30,
			CPUShares:   512,
			PIDs:        256,
		},
		Internal:            orchestrator.Ports{App: 3000, Browser: 9222, Agent: 8090},
		AgentConfigPath:     "/workspace/.agent/config.yaml",
		AgentRestartCommand: []string{"supervisorctl", "restart", "agent"},
		Clock:               clk,
		Logger:              logger,
	})
	if err != nil {
		tb.Fatalf("building orchestrator: %v", err)
	}

	dialer := &sessionDialer{}
	sessionConfig := session.ManagerConfig{
		Dialer:         dialer.dial,
		AttachBudget:   250 * time.Millisecond,
		AttachInterval: 10 * time.Millisecond,
		RequestTimeout: time.Second,
		Logger:         logger,
	}
	browsers := session.NewBrowserManager(sessionConfig)
	agents := session.NewAgentManager(sessionConfig, session.NewDispatcher())

	terminals, err := terminal.NewManager(terminal.Config{
		Engine: eng,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		tb.Fatalf("building terminal manager: %v", err)
	}

	cfg := config.Default()
	cfg.StateFile = filepath.Join(tb.TempDir(), "state.json")

	daemon := &Daemon{
		cfg:          cfg,
		orchestrator: orch,
		allocator:    allocator,
		browsers:     browsers,
		agents:       agents,
		terminals:    terminals,
		clock:        clk,
		logger:       logger,
		startedAt:    clk.Now(),
	}
	tb.Cleanup(func() {
		browsers.DestroyAll()
		agents.DestroyAll()
		terminals.CloseAll()
	})
	return &daemonFixture{daemon: daemon, runner: runner, dialer: dialer, clk: clk}
}
