// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"sync"

	"github.com/bureau-foundation/annex/lib/clock"
)

// requestResult is what a pending request's waiter receives.
type requestResult struct {
	data json.RawMessage
	err  error
}

// pendingRequest is one in-flight correlated request: a buffered
// result channel and the timeout timer armed for it.
type pendingRequest struct {
	done  chan requestResult
	timer clock.Timer
}

// pendingTable correlates outbound request ids with their waiting
// callers. Every entry leaves the table exactly once — taken by the
// matching response, by its own timeout, or by session destroy.
// Whichever path takes it delivers the result; later paths find
// nothing and no-op.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers entry under id.
func (t *pendingTable) add(id string, entry *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = entry
}

// take removes and returns the entry for id, or nil when another path
// already took it.
func (t *pendingTable) take(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return entry
}

// drain removes and returns every entry.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := make([]*pendingRequest, 0, len(t.entries))
	for _, entry := range t.entries {
		drained = append(drained, entry)
	}
	clear(t.entries)
	return drained
}

// size returns the number of in-flight entries.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
