// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import "sync"

// DefaultHistorySize is the default per-instance history capacity in
// bytes. 256 KB of raw terminal output covers the recent working
// context a late-joining viewer needs without holding whole sessions
// in memory.
const DefaultHistorySize = 256 * 1024

// History is a fixed-capacity circular buffer of raw terminal output.
// It stores bytes exactly as the terminal produced them, escape
// sequences included, so a replay renders with full fidelity.
//
// The buffer tracks the total number of bytes ever written; once full,
// new writes overwrite the oldest data. All methods are safe for
// concurrent use — every attachment of an instance tees its output
// into the same History.
type History struct {
	mu            sync.Mutex
	data          []byte
	capacity      int
	writePosition int
	totalWritten  uint64
}

// NewHistory returns a history ring with the given capacity in bytes.
// Non-positive capacities use DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends bytes, overwriting the oldest data once the ring is
// full.
func (h *History) Write(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for offset := 0; offset < len(data); {
		available := h.capacity - h.writePosition
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(h.data[h.writePosition:h.writePosition+copyLength], data[offset:offset+copyLength])
		h.writePosition = (h.writePosition + copyLength) % h.capacity
		offset += copyLength
	}
	h.totalWritten += uint64(len(data))
}

// Snapshot returns the retained output, oldest byte first. The result
// is a copy; the ring keeps accepting writes.
func (h *History) Snapshot() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	stored := h.totalWritten
	if stored > uint64(h.capacity) {
		stored = uint64(h.capacity)
	}
	if stored == 0 {
		return nil
	}

	result := make([]byte, stored)
	readPosition := (h.writePosition - int(stored)) % h.capacity
	if readPosition < 0 {
		readPosition += h.capacity
	}
	for copied := 0; copied < int(stored); {
		available := h.capacity - readPosition
		copyLength := int(stored) - copied
		if copyLength > available {
			copyLength = available
		}
		copy(result[copied:copied+copyLength], h.data[readPosition:readPosition+copyLength])
		readPosition = (readPosition + copyLength) % h.capacity
		copied += copyLength
	}
	return result
}

// TotalWritten returns the total number of bytes ever written. The
// counter is monotonic; it keeps growing after the ring starts
// overwriting.
func (h *History) TotalWritten() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalWritten
}
