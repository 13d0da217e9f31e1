// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "sync"

// MessageFunc receives one decoded general envelope.
type MessageFunc func(Envelope)

// FrameFunc receives one raw binary frame, undecoded.
type FrameFunc func([]byte)

// Callbacks is the observer arena for one logical session identity.
// Frame subscribers take the high-frequency binary payloads verbatim;
// message subscribers take everything else as decoded envelopes.
//
// The arena outlives any single transport: on reboot it is
// transplanted into the replacement session as a unit, so subscribers
// keep receiving events without resubscribing.
type Callbacks struct {
	mu       sync.Mutex
	nextID   int
	messages map[int]MessageFunc
	frames   map[int]FrameFunc
}

// NewCallbacks returns an empty arena.
func NewCallbacks() *Callbacks {
	return &Callbacks{
		messages: make(map[int]MessageFunc),
		frames:   make(map[int]FrameFunc),
	}
}

// OnMessage registers fn for general envelopes and returns its
// registration id.
func (c *Callbacks) OnMessage(fn MessageFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.messages[c.nextID] = fn
	return c.nextID
}

// OffMessage removes a message registration. Unknown ids are ignored.
func (c *Callbacks) OffMessage(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, id)
}

// OnFrame registers fn for raw binary frames and returns its
// registration id.
func (c *Callbacks) OnFrame(fn FrameFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.frames[c.nextID] = fn
	return c.nextID
}

// OffFrame removes a frame registration. Unknown ids are ignored.
func (c *Callbacks) OffFrame(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.frames, id)
}

// EmitMessage fans the envelope out to every message subscriber.
// Subscribers are snapshotted under the lock and invoked outside it,
// so a callback may re-enter the arena.
func (c *Callbacks) EmitMessage(envelope Envelope) {
	c.mu.Lock()
	subscribers := make([]MessageFunc, 0, len(c.messages))
	for _, fn := range c.messages {
		subscribers = append(subscribers, fn)
	}
	c.mu.Unlock()
	for _, fn := range subscribers {
		fn(envelope)
	}
}

// EmitFrame fans the raw frame out to every frame subscriber.
func (c *Callbacks) EmitFrame(frame []byte) {
	c.mu.Lock()
	subscribers := make([]FrameFunc, 0, len(c.frames))
	for _, fn := range c.frames {
		subscribers = append(subscribers, fn)
	}
	c.mu.Unlock()
	for _, fn := range subscribers {
		fn(frame)
	}
}

// Clear drops every registration.
func (c *Callbacks) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.messages)
	clear(c.frames)
}

// Size returns the number of live registrations across both classes.
func (c *Callbacks) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages) + len(c.frames)
}
