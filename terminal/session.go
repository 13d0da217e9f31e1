// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/bureau-foundation/annex/engine"
	"github.com/bureau-foundation/annex/lib/clock"
)

// ErrAttachmentExists reports that the (instance, attachment) pair is
// already live.
var ErrAttachmentExists = errors.New("attachment already exists")

// ErrAttachmentClosed reports input arriving after teardown.
var ErrAttachmentClosed = errors.New("attachment closed")

// DefaultResizeWindow is the coalescing window for resize bursts. A
// drag-resize emits dozens of size changes per second; one window-size
// application per window is plenty.
const DefaultResizeWindow = 250 * time.Millisecond

// resizeApplyTimeout bounds the engine execs of one in-container
// window-size application.
const resizeApplyTimeout = 5 * time.Second

// Sink receives the daemon-side frames of one attachment. The
// daemon's WebSocket endpoint implements it over binary messages.
type Sink interface {
	WriteFrame(data []byte) error
	Close() error
}

type resizeFunc func(ctx context.Context, containerID string, rows, cols uint16) error

// spawnFunc starts the interactive attach subprocess under a PTY sized
// to the viewer. Tests substitute a pipe-backed fake.
type spawnFunc func(argv []string, rows, cols uint16) (*exec.Cmd, *os.File, error)

func spawnPTY(argv []string, rows, cols uint16) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}

// Config assembles a terminal manager.
type Config struct {
	// Engine drives the container CLI. Required.
	Engine *engine.Engine

	// SessionName is the shared in-container tmux session. Empty uses
	// DefaultSessionName.
	SessionName string

	// HistorySize is the per-instance scrollback capacity in bytes.
	// Zero uses DefaultHistorySize.
	HistorySize int

	// ResizeWindow is the resize coalescing window. Zero uses
	// DefaultResizeWindow.
	ResizeWindow time.Duration

	// Clock provides time. Nil uses the system clock.
	Clock clock.Clock

	// Logger receives lifecycle logs. Nil uses slog.Default().
	Logger *slog.Logger
}

type attachmentKey struct {
	instanceID   string
	attachmentID string
}

// Manager owns the terminal attachments of every instance. Each
// attachment is its own engine exec subprocess under a local PTY, all
// joined to the instance's shared tmux session; an instance's
// attachments tee output into one shared history ring.
type Manager struct {
	engine       *engine.Engine
	mux          *Mux
	clock        clock.Clock
	logger       *slog.Logger
	historySize  int
	resizeWindow time.Duration
	applySize    resizeFunc
	spawn        spawnFunc

	mu          sync.Mutex
	attachments map[attachmentKey]*Attachment
	histories   map[string]*History
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("terminal manager: engine is required")
	}
	window := cfg.ResizeWindow
	if window <= 0 {
		window = DefaultResizeWindow
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		engine:       cfg.Engine,
		mux:          NewMux(cfg.Engine, cfg.SessionName),
		clock:        clk,
		logger:       logger,
		historySize:  historySize,
		resizeWindow: window,
		attachments:  make(map[attachmentKey]*Attachment),
		histories:    make(map[string]*History),
	}
	m.applySize = m.mux.ApplyWindowSize
	m.spawn = spawnPTY
	return m, nil
}

// Mux returns the in-container tmux control surface.
func (m *Manager) Mux() *Mux { return m.mux }

// AttachRequest names the instance and viewer of one new attachment.
type AttachRequest struct {
	// InstanceID is the owning instance.
	InstanceID string

	// ContainerID is the instance's engine container.
	ContainerID string

	// AttachmentID distinguishes concurrent viewers of one instance.
	AttachmentID string

	// Rows and Cols are the viewer's initial dimensions.
	Rows uint16
	Cols uint16

	// Sink receives the attachment's frames.
	Sink Sink
}

// Attach joins a viewer to the instance's shared terminal: it ensures
// the in-container tmux session exists, spawns the interactive engine
// exec under a fresh PTY, sends the metadata and history preamble, and
// starts the output relay. The returned attachment is live until its
// Done channel closes.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (*Attachment, error) {
	if req.InstanceID == "" || req.ContainerID == "" || req.AttachmentID == "" {
		return nil, fmt.Errorf("terminal attach: instance, container, and attachment ids are required")
	}
	if req.Sink == nil {
		return nil, fmt.Errorf("terminal attach: sink is required")
	}
	if err := m.mux.EnsureSession(ctx, req.ContainerID); err != nil {
		return nil, err
	}

	key := attachmentKey{req.InstanceID, req.AttachmentID}
	m.mu.Lock()
	if _, ok := m.attachments[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("attachment %q on instance %q: %w", req.AttachmentID, req.InstanceID, ErrAttachmentExists)
	}
	history := m.histories[req.InstanceID]
	if history == nil {
		history = NewHistory(m.historySize)
		m.histories[req.InstanceID] = history
	}

	cmd, ptmx, err := m.spawn(m.mux.AttachArgv(req.ContainerID), req.Rows, req.Cols)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("starting terminal attachment for instance %q: %w", req.InstanceID, err)
	}

	attachment := &Attachment{
		instanceID:   req.InstanceID,
		attachmentID: req.AttachmentID,
		containerID:  req.ContainerID,
		cmd:          cmd,
		ptmx:         ptmx,
		sink:         req.Sink,
		history:      history,
		clock:        m.clock,
		logger:       m.logger,
		window:       m.resizeWindow,
		applySize:    m.applySize,
		forget:       func() { m.forget(key) },
		done:         make(chan struct{}),
	}
	m.attachments[key] = attachment
	m.mu.Unlock()

	if err := attachment.sendPreamble(m.mux.SessionName(), req.Rows, req.Cols); err != nil {
		attachment.Close()
		if cmd != nil {
			go func() { _ = cmd.Wait() }()
		}
		return nil, fmt.Errorf("sending attach preamble for instance %q: %w", req.InstanceID, err)
	}
	attachment.start()
	m.logger.Info("terminal attachment opened",
		"instance", req.InstanceID, "attachment", req.AttachmentID)
	return attachment, nil
}

func (m *Manager) forget(key attachmentKey) {
	m.mu.Lock()
	delete(m.attachments, key)
	m.mu.Unlock()
}

// DestroyInstance closes every attachment of the instance and drops
// its history ring. The reboot and destroy paths call it; viewers
// re-attach to the replacement container.
func (m *Manager) DestroyInstance(instanceID string) {
	m.mu.Lock()
	var doomed []*Attachment
	for key, attachment := range m.attachments {
		if key.instanceID == instanceID {
			doomed = append(doomed, attachment)
		}
	}
	delete(m.histories, instanceID)
	m.mu.Unlock()
	for _, attachment := range doomed {
		attachment.Close()
	}
}

// CloseAll closes every attachment.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	doomed := make([]*Attachment, 0, len(m.attachments))
	for _, attachment := range m.attachments {
		doomed = append(doomed, attachment)
	}
	m.mu.Unlock()
	for _, attachment := range doomed {
		attachment.Close()
	}
}

// Attachment is one viewer's live terminal connection: a PTY-wrapped
// engine exec joined to the instance's shared tmux session.
type Attachment struct {
	instanceID   string
	attachmentID string
	containerID  string
	cmd          *exec.Cmd
	ptmx         *os.File
	sink         Sink
	history      *History
	clock        clock.Clock
	logger       *slog.Logger
	window       time.Duration
	applySize    resizeFunc
	forget       func()

	mu          sync.Mutex
	pendingRows uint16
	pendingCols uint16
	sizePending bool
	resizeTimer clock.Timer
	closed      bool

	closeOnce sync.Once
	done      chan struct{}
}

// InstanceID returns the owning instance id.
func (a *Attachment) InstanceID() string { return a.instanceID }

// AttachmentID returns the viewer id.
func (a *Attachment) AttachmentID() string { return a.attachmentID }

// Done closes when the attachment has fully torn down.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// sendPreamble ships the metadata and history frames, in that order,
// before any live data flows.
func (a *Attachment) sendPreamble(sessionName string, rows, cols uint16) error {
	metadata, err := EncodeMetadata(MetadataPayload{
		Instance: a.instanceID,
		Session:  sessionName,
		Rows:     rows,
		Cols:     cols,
	})
	if err != nil {
		return err
	}
	if err := a.sink.WriteFrame(metadata); err != nil {
		return err
	}
	historyFrame, err := EncodeHistory(a.history.Snapshot())
	if err != nil {
		return err
	}
	return a.sink.WriteFrame(historyFrame)
}

func (a *Attachment) start() {
	go a.relayOutput()
	if a.cmd != nil {
		go a.awaitExit()
	}
}

// relayOutput copies PTY output to the sink as data frames, teeing
// every chunk into the shared history ring. It is the only PTY reader.
func (a *Attachment) relayOutput() {
	buffer := make([]byte, 4096)
	for {
		n, readErr := a.ptmx.Read(buffer)
		if n > 0 {
			a.history.Write(buffer[:n])
			frame, err := EncodeData(buffer[:n])
			if err != nil {
				break
			}
			if writeErr := a.sink.WriteFrame(frame); writeErr != nil {
				// The viewer went away; normal teardown.
				break
			}
		}
		if readErr != nil {
			// EIO is the usual sign the subprocess side closed.
			break
		}
	}
	a.Close()
}

// awaitExit reaps the subprocess and triggers teardown when it ends.
func (a *Attachment) awaitExit() {
	err := a.cmd.Wait()
	if err != nil && !isNormalDetach(err) {
		a.logger.Warn("terminal subprocess failed",
			"instance", a.instanceID, "attachment", a.attachmentID, "error", err)
	}
	a.Close()
}

// Input writes viewer keystrokes to the PTY verbatim.
func (a *Attachment) Input(data []byte) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("attachment %q on instance %q: %w", a.attachmentID, a.instanceID, ErrAttachmentClosed)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := a.ptmx.Write(data); err != nil {
		return fmt.Errorf("writing terminal input for instance %q: %w", a.instanceID, err)
	}
	return nil
}

// Resize records new dimensions and arms the coalescing window. Bursts
// within one window collapse: the latest size overwrites any earlier
// pending one, and the window firing applies exactly one downstream
// resize with the dimensions current at that moment.
func (a *Attachment) Resize(rows, cols uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.pendingRows, a.pendingCols = rows, cols
	a.sizePending = true
	if a.resizeTimer != nil {
		return
	}
	a.resizeTimer = a.clock.AfterFunc(a.window, a.flushResize)
}

// flushResize is the armed window's callback: it applies the latest
// pending size to the local PTY and to the in-container client TTYs.
func (a *Attachment) flushResize() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.resizeTimer = nil
	if !a.sizePending {
		a.mu.Unlock()
		return
	}
	rows, cols := a.pendingRows, a.pendingCols
	a.sizePending = false
	a.mu.Unlock()

	if err := pty.Setsize(a.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		a.logger.Warn("resizing attachment pty",
			"instance", a.instanceID, "attachment", a.attachmentID, "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), resizeApplyTimeout)
	defer cancel()
	if err := a.applySize(ctx, a.containerID, rows, cols); err != nil {
		a.logger.Warn("applying in-container window size",
			"instance", a.instanceID, "rows", rows, "cols", cols, "error", err)
	}
}

// Close tears the attachment down: cancels any pending resize window,
// signals the subprocess, and closes the PTY and sink exactly once.
// Safe to call from any of its trigger paths — explicit detach,
// subprocess exit, instance destruction — in any combination.
func (a *Attachment) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		timer := a.resizeTimer
		a.resizeTimer = nil
		a.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if a.cmd != nil && a.cmd.Process != nil {
			_ = a.cmd.Process.Signal(syscall.SIGTERM)
		}
		if a.ptmx != nil {
			a.ptmx.Close()
		}
		a.sink.Close()
		if a.forget != nil {
			a.forget()
		}
		close(a.done)
		a.logger.Info("terminal attachment closed",
			"instance", a.instanceID, "attachment", a.attachmentID)
	})
}

// isNormalDetach reports whether a subprocess exit is an ordinary end
// of attachment. tmux exits 0 on detach, 1 when its controlling PTY
// closes underneath it, and teardown sends SIGTERM — all three are
// routine.
func isNormalDetach(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if code := exitErr.ExitCode(); code == 0 || code == 1 {
		return true
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGTERM
}
