// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts timer scheduling so components that retry,
// time out, or throttle can be tested without real waiting. Production
// code injects Real(); tests inject Fake() and advance it explicitly.
package clock

import "time"

// Clock is the scheduling surface used by the session retry machinery,
// request timeouts, and the terminal resize throttle. Any function that
// would otherwise call time.Now, time.After, or time.AfterFunc accepts
// a Clock (or lives on a struct carrying one) instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run once duration d has elapsed and
	// returns a handle that can cancel the pending call. Holders store
	// the handle and Stop it before the deadline to prevent the call;
	// this is the cancellation point destroy paths rely on.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled call created by AfterFunc.
type Timer interface {
	// Stop prevents the scheduled function from running. Returns true
	// if the call was prevented, false if it already ran or was
	// already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// *time.Timer satisfies Timer through its Stop method.
var _ Timer = (*time.Timer)(nil)
