// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// BrowserSession drives an instance's browser-control socket. Text
// messages carry correlated commands and unsolicited events; binary
// messages are screencast frames relayed raw to frame subscribers.
type BrowserSession struct {
	*Session
}

// Command issues one correlated browser command and returns its
// response payload.
func (b *BrowserSession) Command(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return b.Request(ctx, method, params)
}

// OnFrame subscribes to screencast frames.
func (b *BrowserSession) OnFrame(fn FrameFunc) int {
	return b.Callbacks().OnFrame(fn)
}

// OffFrame removes a frame subscription.
func (b *BrowserSession) OffFrame(id int) {
	b.Callbacks().OffFrame(id)
}

// OnEvent subscribes to unsolicited browser events.
func (b *BrowserSession) OnEvent(fn MessageFunc) int {
	return b.Callbacks().OnMessage(fn)
}

// OffEvent removes an event subscription.
func (b *BrowserSession) OffEvent(id int) {
	b.Callbacks().OffMessage(id)
}

// BrowserManager owns one browser-control session per instance.
// Browser endpoints restart quickly, so sessions reconnect on the
// fast fixed-interval policy without an attempt cap.
type BrowserManager struct {
	core *manager[*BrowserSession]
}

// NewBrowserManager returns a manager with no sessions.
func NewBrowserManager(cfg ManagerConfig) *BrowserManager {
	m := &BrowserManager{}
	m.core = newManager(func(instanceID string, port int, callbacks *Callbacks) *BrowserSession {
		return &BrowserSession{Session: New(Config{
			InstanceID:     instanceID,
			URL:            fmt.Sprintf("ws://127.0.0.1:%d/control", port),
			Dialer:         cfg.Dialer,
			DialTimeout:    cfg.DialTimeout,
			Policy:         FastRetry,
			AttachBudget:   cfg.AttachBudget,
			AttachInterval: cfg.AttachInterval,
			RequestTimeout: cfg.RequestTimeout,
			Callbacks:      callbacks,
			Clock:          cfg.Clock,
			Logger:         cfg.Logger,
		})}
	})
	return m
}

// Attach establishes the instance's browser-control session on the
// given host port. A live session under the id is an error; a failed
// connect leaves no session behind.
func (m *BrowserManager) Attach(ctx context.Context, instanceID string, port int) error {
	return m.core.attach(ctx, instanceID, port)
}

// CreateOrReplace attaches a fresh session for the instance, carrying
// the frame and event subscriptions over from any session it replaces.
func (m *BrowserManager) CreateOrReplace(ctx context.Context, instanceID string, port int) error {
	return m.core.createOrReplace(ctx, instanceID, port)
}

// Get returns the instance's live session.
func (m *BrowserManager) Get(instanceID string) (*BrowserSession, error) {
	return m.core.get(instanceID)
}

// Destroy tears down the instance's session. Absent is a no-op.
func (m *BrowserManager) Destroy(instanceID string) {
	m.core.destroy(instanceID)
}

// DestroyAll tears down every session.
func (m *BrowserManager) DestroyAll() {
	m.core.destroyAll()
}

// Instances returns the ids with live sessions, sorted.
func (m *BrowserManager) Instances() []string {
	return m.core.instances()
}
