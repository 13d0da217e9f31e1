// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session maintains reconnecting duplex channels from the
// daemon to the services running inside each instance container. One
// generic core carries three concerns — bounded initial attach,
// idempotent steady-state reconnect, and correlated request/response
// over a long-lived stream — and the browser and agent variants
// specialize it with their endpoint paths, retry policies, and (for
// the agent) the inbound service-request mailbox.
//
// A session's identity outlives its transport: callbacks registered on
// it keep firing across reconnects, and a manager replacing a session
// for a rebooted instance transplants the callback arena into the
// replacement first.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/annex/lib/clock"
	"github.com/bureau-foundation/annex/lib/netutil"
)

// Envelope is the JSON message exchanged with in-container services on
// text frames: a tagged union decoded once and routed by Type.
// Correlated replies carry the request's ID; service requests carry
// Service/Action/Params; everything else is a broadcast event.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Service string          `json:"service,omitempty"`
	Action  string          `json:"action,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Envelope type tags with routing significance. Any other tag is a
// broadcast event delivered to message callbacks.
const (
	TypeResponse        = "response"
	TypeServiceRequest  = "service_request"
	TypeServiceResponse = "service_response"
)

func boolPtr(value bool) *bool { return &value }

// Transport is one established duplex connection. The message type
// discriminates the hot frame class (BinaryMessage, relayed raw) from
// the general envelope class (TextMessage, decoded JSON).
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// The gorilla connection satisfies Transport as-is.
var _ Transport = (*websocket.Conn)(nil)

// Dialer establishes one transport connection to url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// WebSocketDialer returns a Dialer that wraps the gorilla dialer with
// a per-attempt timeout.
func WebSocketDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config assembles one session.
type Config struct {
	// InstanceID names the owning instance.
	InstanceID string

	// URL is the service endpoint dialed on attach and on every
	// reconnect.
	URL string

	// Dialer establishes transports. Nil uses the WebSocket dialer
	// with DialTimeout.
	Dialer Dialer

	// DialTimeout bounds each dial attempt of the default dialer.
	// Zero means 2s.
	DialTimeout time.Duration

	// Policy shapes steady-state reconnect pacing. The zero value
	// means FastRetry.
	Policy RetryPolicy

	// AttachBudget is the total time Attach may spend reaching a
	// service that is still warming up. Zero means 30s.
	AttachBudget time.Duration

	// AttachInterval separates consecutive attach dial attempts.
	// Zero means 500ms.
	AttachInterval time.Duration

	// RequestTimeout bounds each correlated request. Zero means 15s.
	RequestTimeout time.Duration

	// OnServiceRequest, when set, receives inbound service_request
	// envelopes. Unset routes them to message callbacks like any other
	// event.
	OnServiceRequest func(Envelope)

	// Callbacks seeds the observer arena, carrying registrations over
	// from a replaced session. Nil starts empty.
	Callbacks *Callbacks

	// Clock provides time. Nil uses the system clock.
	Clock clock.Clock

	// Logger receives lifecycle logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Session is one reconnecting channel to an in-container service.
type Session struct {
	instanceID     string
	url            string
	dialer         Dialer
	policy         RetryPolicy
	attachBudget   time.Duration
	attachInterval time.Duration
	requestTimeout time.Duration
	serviceRequest func(Envelope)
	clock          clock.Clock
	logger         *slog.Logger

	pending *pendingTable

	// writeMu serializes transport writes: the request path, the
	// service-response path, and fire-and-forget sends all share one
	// connection.
	writeMu sync.Mutex

	mu         sync.Mutex
	transport  Transport
	callbacks  *Callbacks
	retryTimer clock.Timer
	attempts   int
	connecting bool
	destroyed  bool
	exhausted  bool
}

// New assembles a session from cfg. The session owns no transport
// until Attach succeeds.
func New(cfg Config) *Session {
	dialer := cfg.Dialer
	if dialer == nil {
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		dialer = WebSocketDialer(timeout)
	}
	policy := cfg.Policy
	if policy == (RetryPolicy{}) {
		policy = FastRetry
	}
	budget := cfg.AttachBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	interval := cfg.AttachInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	callbacks := cfg.Callbacks
	if callbacks == nil {
		callbacks = NewCallbacks()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		instanceID:     cfg.InstanceID,
		url:            cfg.URL,
		dialer:         dialer,
		policy:         policy,
		attachBudget:   budget,
		attachInterval: interval,
		requestTimeout: requestTimeout,
		serviceRequest: cfg.OnServiceRequest,
		clock:          clk,
		logger:         logger,
		pending:        newPendingTable(),
		callbacks:      callbacks,
	}
}

// InstanceID returns the owning instance id.
func (s *Session) InstanceID() string { return s.instanceID }

// Callbacks returns the current observer arena.
func (s *Session) Callbacks() *Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks
}

// Connected reports whether a transport is live right now.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// Attach dials the service with the bounded initial retry loop: short
// dial attempts separated by a fixed interval until the budget
// elapses. The in-container service needs warm-up time right after
// container creation, so early refusals are expected, not errors.
func (s *Session) Attach(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("instance %q: %w", s.instanceID, ErrSessionDestroyed)
	}
	if s.transport != nil {
		s.mu.Unlock()
		return nil
	}
	if s.connecting {
		s.mu.Unlock()
		return fmt.Errorf("instance %q: connect already in flight", s.instanceID)
	}
	s.connecting = true
	s.mu.Unlock()

	deadline := s.clock.Now().Add(s.attachBudget)
	for {
		transport, err := s.dialer(ctx, s.url)
		if err == nil {
			if !s.adopt(transport) {
				return fmt.Errorf("instance %q: %w", s.instanceID, ErrSessionDestroyed)
			}
			s.logger.Info("session attached", "instance", s.instanceID, "url", s.url)
			return nil
		}
		if ctx.Err() != nil {
			s.clearConnecting()
			return ctx.Err()
		}
		if s.clock.Now().After(deadline) {
			s.clearConnecting()
			return fmt.Errorf("attaching to %s for instance %q: %w", s.url, s.instanceID, ErrAttachTimeout)
		}
		select {
		case <-ctx.Done():
			s.clearConnecting()
			return ctx.Err()
		case <-s.clock.After(s.attachInterval):
		}
	}
}

func (s *Session) clearConnecting() {
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
}

// adopt installs an established transport and starts its read loop.
// Returns false when the session was destroyed while the dial was in
// flight, in which case the transport is closed instead.
func (s *Session) adopt(transport Transport) bool {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		transport.Close()
		return false
	}
	s.transport = transport
	s.connecting = false
	s.attempts = 0
	s.mu.Unlock()
	go s.readLoop(transport)
	return true
}

// readLoop drains one transport until it fails. It is the only reader,
// so messages on a session are handled in arrival order: binary frames
// go raw to frame subscribers, text frames decode one envelope and
// route by tag.
func (s *Session) readLoop(transport Transport) {
	for {
		messageType, data, err := transport.ReadMessage()
		if err != nil {
			s.handleDisconnect(transport, err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			s.Callbacks().EmitFrame(data)
		case websocket.TextMessage:
			s.handleEnvelope(data)
		}
	}
}

func (s *Session) handleEnvelope(data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warn("dropping undecodable message",
			"instance", s.instanceID, "error", err)
		return
	}
	switch envelope.Type {
	case TypeResponse:
		if envelope.ID != "" && s.resolvePending(envelope) {
			return
		}
		// A response nothing is waiting for is still observable.
		s.Callbacks().EmitMessage(envelope)
	case TypeServiceRequest:
		if s.serviceRequest != nil {
			s.serviceRequest(envelope)
			return
		}
		s.Callbacks().EmitMessage(envelope)
	default:
		s.Callbacks().EmitMessage(envelope)
	}
}

// resolvePending hands a correlated response to its waiting caller.
// Returns false when no entry matches (already timed out, or the id is
// unknown).
func (s *Session) resolvePending(envelope Envelope) bool {
	entry := s.pending.take(envelope.ID)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	if envelope.OK != nil && !*envelope.OK {
		message := envelope.Error
		if message == "" {
			message = "request failed"
		}
		entry.done <- requestResult{err: fmt.Errorf("instance %q: %s", s.instanceID, message)}
		return true
	}
	entry.done <- requestResult{data: envelope.Data}
	return true
}

// handleDisconnect reacts to a read-loop exit. Only the loop owning
// the current transport acts; a stale loop from a replaced transport
// returns without touching state.
func (s *Session) handleDisconnect(transport Transport, cause error) {
	s.mu.Lock()
	if s.destroyed || s.transport != transport {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.mu.Unlock()
	transport.Close()

	if netutil.IsExpectedClose(cause) {
		s.logger.Info("session transport closed", "instance", s.instanceID)
	} else {
		s.logger.Warn("session transport failed",
			"instance", s.instanceID, "error", cause)
	}
	s.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer. It is idempotent: with a
// timer already armed, a connect in flight, or a transport live, it
// does nothing — overlapping disconnect signals produce exactly one
// live timer. Once the policy's attempt budget is spent the session
// stops retrying for good.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.retryTimer != nil || s.connecting || s.transport != nil {
		return
	}
	if s.policy.Exhausted(s.attempts) {
		s.exhausted = true
		s.logger.Warn("reconnect attempts exhausted",
			"instance", s.instanceID, "attempts", s.attempts)
		return
	}
	delay := s.policy.Delay(s.attempts)
	s.attempts++
	s.retryTimer = s.clock.AfterFunc(delay, s.reconnect)
	s.logger.Info("reconnect scheduled",
		"instance", s.instanceID, "attempt", s.attempts, "delay", delay)
}

// reconnect is the armed timer's callback: one dial attempt, then
// either a fresh read loop or the next scheduled retry.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	if s.transport != nil || s.connecting {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	s.mu.Unlock()

	transport, err := s.dialer(context.Background(), s.url)
	if err != nil {
		s.clearConnecting()
		s.logger.Warn("reconnect failed",
			"instance", s.instanceID, "error", err)
		s.scheduleReconnect()
		return
	}
	if !s.adopt(transport) {
		return
	}
	s.logger.Info("session reconnected", "instance", s.instanceID)
}

// liveTransport returns the current transport, or the error naming why
// none exists: destroyed session, spent retry budget, or an ordinary
// gap between transports.
func (s *Session) liveTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, fmt.Errorf("instance %q: %w", s.instanceID, ErrSessionDestroyed)
	}
	if s.transport == nil {
		if s.exhausted {
			return nil, fmt.Errorf("instance %q: %w", s.instanceID, ErrReconnectsExhausted)
		}
		return nil, fmt.Errorf("instance %q: %w", s.instanceID, ErrNotConnected)
	}
	return s.transport, nil
}

// Request sends one correlated envelope and waits for its tagged
// response. Every request carries its own generated id; the matching
// response resolves it, or the timeout removes it — exactly one of the
// two. With no live transport it fails immediately.
func (s *Session) Request(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	transport, err := s.liveTransport()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	entry := &pendingRequest{done: make(chan requestResult, 1)}
	entry.timer = s.clock.AfterFunc(s.requestTimeout, func() { s.expirePending(id) })
	s.pending.add(id, entry)

	if err := s.writeEnvelope(transport, Envelope{Type: kind, ID: id, Data: payload}); err != nil {
		if removed := s.pending.take(id); removed != nil {
			removed.timer.Stop()
		}
		return nil, fmt.Errorf("sending %s request to instance %q: %w", kind, s.instanceID, err)
	}

	select {
	case result := <-entry.done:
		return result.data, result.err
	case <-ctx.Done():
		if removed := s.pending.take(id); removed != nil {
			removed.timer.Stop()
			return nil, ctx.Err()
		}
		// A resolution won the race; the result is already buffered.
		result := <-entry.done
		return result.data, result.err
	}
}

// expirePending is the request timeout path. Losing the race against a
// response is fine: take finds nothing and the timeout no-ops.
func (s *Session) expirePending(id string) {
	entry := s.pending.take(id)
	if entry == nil {
		return
	}
	entry.done <- requestResult{err: fmt.Errorf("instance %q: %w", s.instanceID, ErrRequestTimeout)}
}

// Send writes one tagged envelope without awaiting any response.
func (s *Session) Send(kind string, payload json.RawMessage) error {
	transport, err := s.liveTransport()
	if err != nil {
		return err
	}
	return s.writeEnvelope(transport, Envelope{Type: kind, Data: payload})
}

// reply writes one envelope on the live transport. The service
// response path uses it from its own goroutine.
func (s *Session) reply(envelope Envelope) error {
	transport, err := s.liveTransport()
	if err != nil {
		return err
	}
	return s.writeEnvelope(transport, envelope)
}

func (s *Session) writeEnvelope(transport Transport, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", envelope.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return transport.WriteMessage(websocket.TextMessage, data)
}

// TransplantCallbacks moves the observer arena out, leaving a fresh
// empty one behind. A replacement session built with the moved arena
// keeps every subscriber registration; destroying this session
// afterwards clears only the empty leftover.
func (s *Session) TransplantCallbacks() *Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.callbacks
	s.callbacks = NewCallbacks()
	return moved
}

// Destroy tears the session down: cancels any armed reconnect timer,
// rejects every pending request with ErrSessionDestroyed, clears the
// callback arena, and closes the transport when one is live. Safe to
// call repeatedly and before any transport was ever established. A
// retry or timeout timer that fires afterwards observes the destroyed
// flag and no-ops.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	timer := s.retryTimer
	s.retryTimer = nil
	transport := s.transport
	s.transport = nil
	callbacks := s.callbacks
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, entry := range s.pending.drain() {
		entry.timer.Stop()
		entry.done <- requestResult{err: fmt.Errorf("instance %q: %w", s.instanceID, ErrSessionDestroyed)}
	}
	callbacks.Clear()
	if transport != nil {
		transport.Close()
	}
	s.logger.Info("session destroyed", "instance", s.instanceID)
}

// attemptCount reports consecutive failed reconnect attempts.
func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
