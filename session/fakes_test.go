// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/annex/lib/clock"
)

// inbound is one scripted read delivered by a fake transport.
type inbound struct {
	messageType int
	data        []byte
	err         error
}

// fakeTransport is a scriptable duplex connection. Reads block on the
// inbound channel until the test pushes a message or an error; text
// writes are decoded and recorded, and optionally handed to an onWrite
// hook as they happen.
type fakeTransport struct {
	inbound chan inbound
	closeCh chan struct{}

	mu      sync.Mutex
	writes  []Envelope
	closed  bool
	onWrite func(Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan inbound, 16),
		closeCh: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case m := <-t.inbound:
		if m.err != nil {
			return 0, nil, m.err
		}
		return m.messageType, m.data, nil
	case <-t.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (t *fakeTransport) WriteMessage(messageType int, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return net.ErrClosed
	}
	var hook func(Envelope)
	var envelope Envelope
	if messageType == websocket.TextMessage {
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.mu.Unlock()
			return err
		}
		t.writes = append(t.writes, envelope)
		hook = t.onWrite
	}
	t.mu.Unlock()
	if hook != nil {
		hook(envelope)
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) setOnWrite(fn func(Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = fn
}

func (t *fakeTransport) sentEnvelopes() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, len(t.writes))
	copy(out, t.writes)
	return out
}

// pushText marshals the envelope and delivers it as one text message.
func (t *fakeTransport) pushText(tb testing.TB, envelope Envelope) {
	tb.Helper()
	data, err := json.Marshal(envelope)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	t.inbound <- inbound{messageType: websocket.TextMessage, data: data}
}

// pushRawText delivers raw bytes as one text message, for exercising
// the undecodable-message path.
func (t *fakeTransport) pushRawText(data []byte) {
	t.inbound <- inbound{messageType: websocket.TextMessage, data: data}
}

func (t *fakeTransport) pushBinary(data []byte) {
	t.inbound <- inbound{messageType: websocket.BinaryMessage, data: data}
}

// pushError makes the next read fail, dropping the transport.
func (t *fakeTransport) pushError(err error) {
	t.inbound <- inbound{err: err}
}

// fakeDialer mints fake transports and records when and where each
// dial happened on the fake clock's timeline. The failure budget makes
// the next n dials fail before successes resume; alwaysFail keeps
// every dial failing.
type fakeDialer struct {
	clk *clock.FakeClock

	mu         sync.Mutex
	failures   int
	alwaysFail bool
	times      []time.Time
	urls       []string
	transports []*fakeTransport
}

var errDialRefused = errors.New("connection refused")

func newFakeDialer(clk *clock.FakeClock) *fakeDialer {
	return &fakeDialer{clk: clk}
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = append(d.times, d.clk.Now())
	d.urls = append(d.urls, url)
	if d.alwaysFail || d.failures > 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errDialRefused
	}
	transport := newFakeTransport()
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) setAlwaysFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alwaysFail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.times)
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.times))
	copy(out, d.times)
	return out
}

func (d *fakeDialer) dialedURL(tb testing.TB, index int) string {
	tb.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.urls) {
		tb.Fatalf("dial %d never happened (%d dials recorded)", index, len(d.urls))
	}
	return d.urls[index]
}

// transport returns the index-th successfully dialed transport.
func (d *fakeDialer) transport(tb testing.TB, index int) *fakeTransport {
	tb.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.transports) {
		tb.Fatalf("transport %d never dialed (%d successes recorded)", index, len(d.transports))
	}
	return d.transports[index]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEpoch() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func testManagerConfig(clk *clock.FakeClock, dialer *fakeDialer) ManagerConfig {
	return ManagerConfig{
		Dialer:         dialer.dial,
		AttachBudget:   30 * time.Second,
		AttachInterval: 500 * time.Millisecond,
		RequestTimeout: 15 * time.Second,
		Clock:          clk,
		Logger:         testLogger(),
	}
}

func newTestSession(clk *clock.FakeClock, dialer *fakeDialer, policy RetryPolicy) *Session {
	return New(Config{
		InstanceID:     "u1",
		URL:            "ws://127.0.0.1:10001/control",
		Dialer:         dialer.dial,
		Policy:         policy,
		AttachBudget:   30 * time.Second,
		AttachInterval: 500 * time.Millisecond,
		RequestTimeout: 15 * time.Second,
		Clock:          clk,
		Logger:         testLogger(),
	})
}

// attachAsync runs Attach on its own goroutine and returns the channel
// its result lands on, so the test can drive the fake clock while the
// attach loop waits between attempts.
func attachAsync(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Attach(ctx) }()
	return done
}
