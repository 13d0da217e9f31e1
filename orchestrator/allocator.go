// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "sync"

// Ports is the triple of host ports backing one instance: the
// application HTTP endpoint, the browser-control socket, and the
// agent-control socket.
type Ports struct {
	App     int
	Browser int
	Agent   int
}

// Max returns the highest of the three ports.
func (p Ports) Max() int {
	max := p.App
	if p.Browser > max {
		max = p.Browser
	}
	if p.Agent > max {
		max = p.Agent
	}
	return max
}

// Allocator hands out sequential host port triples. Reservation and
// commitment are separate steps: Reserve returns the triple the counter
// currently points at, and only Commit advances it. A provisioning
// attempt that fails between the two leaves the counter untouched, so
// failed creates never shrink the usable port space.
type Allocator struct {
	mu   sync.Mutex
	next int
}

// NewAllocator returns an allocator whose first triple starts at base.
func NewAllocator(base int) *Allocator {
	return &Allocator{next: base}
}

// Reserve returns the next triple without advancing the counter.
func (a *Allocator) Reserve() Ports {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Ports{App: a.next, Browser: a.next + 1, Agent: a.next + 2}
}

// Commit advances the counter past the triple. Call it only once the
// side effect consuming the triple has succeeded.
func (a *Allocator) Commit(ports Ports) {
	a.Floor(ports.Max())
}

// Floor raises the counter to at least port+1. Adoption uses it so the
// allocator never reissues a port already bound by a live container.
// A port below the counter leaves it unchanged.
func (a *Allocator) Floor(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port >= a.next {
		a.next = port + 1
	}
}

// Next returns the counter's current position.
func (a *Allocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
