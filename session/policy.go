// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"math"
	"time"
)

// RetryPolicy shapes steady-state reconnect pacing after an
// established transport drops.
type RetryPolicy struct {
	// Initial is the delay before the first reconnect attempt.
	Initial time.Duration

	// Growth multiplies the delay per attempt. 1.0 keeps it fixed.
	Growth float64

	// Max caps the delay.
	Max time.Duration

	// MaxAttempts bounds consecutive failed attempts before the
	// session stops retrying for good. Zero means unbounded.
	MaxAttempts int
}

// FastRetry reconnects on a short fixed delay with no attempt bound.
// Suited to a session whose consumer streams or polls and tolerates
// brief gaps.
var FastRetry = RetryPolicy{
	Initial: time.Second,
	Growth:  1.0,
	Max:     time.Second,
}

// AgentRetry backs off exponentially: 1s growing by 1.5x per attempt,
// capped at 30s, giving up permanently after 30 attempts. Suited to a
// control channel needed durably but not continuously.
var AgentRetry = RetryPolicy{
	Initial:     time.Second,
	Growth:      1.5,
	Max:         30 * time.Second,
	MaxAttempts: 30,
}

// Delay returns the delay before reconnect attempt number attempt
// (zero-based). The sequence is non-decreasing up to Max and constant
// after.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.Initial) * math.Pow(p.Growth, float64(attempt))
	if max := float64(p.Max); p.Max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt has spent the policy's budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
