// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Nothing fires
// until Advance is called.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Time moves only through
// Advance, which fires due waiters one at a time in deadline order,
// stepping the current time to each waiter's deadline before invoking
// it. A callback that schedules a follow-up timer inside the advanced
// window therefore fires in the same Advance call, with Now() reading
// the follow-up's own deadline — this is what makes backoff-chain tests
// exact.
//
// AfterFunc callbacks run synchronously on the goroutine calling
// Advance. Do not call Advance from inside a callback.
//
// Safe for concurrent use.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	waiters    []*waiter
	registered *sync.Cond
}

type waiter struct {
	deadline time.Time

	// Exactly one of channel/callback is set: channel for After,
	// callback for AfterFunc.
	channel  chan time.Time
	callback func()

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (fake *FakeClock) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.current
}

// After returns a channel that receives when the clock advances past
// the deadline. A non-positive d delivers immediately without
// registering a waiter.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.current
		return channel
	}
	fake.waiters = append(fake.waiters, &waiter{
		deadline: fake.current.Add(d),
		channel:  channel,
	})
	fake.registered.Broadcast()
	return channel
}

// AfterFunc registers f to run when the clock advances past the
// deadline. A non-positive d runs f synchronously before returning.
func (fake *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	fake.mu.Lock()
	if d <= 0 {
		fake.mu.Unlock()
		f()
		return stoppedTimer{}
	}
	pending := &waiter{
		deadline: fake.current.Add(d),
		callback: f,
	}
	fake.waiters = append(fake.waiters, pending)
	fake.registered.Broadcast()
	fake.mu.Unlock()

	return &fakeTimer{fake: fake, waiter: pending}
}

type fakeTimer struct {
	fake   *FakeClock
	waiter *waiter
}

func (t *fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	return true
}

// stoppedTimer is the handle returned for immediately-run callbacks.
type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls inside the window. Waiters fire in deadline order;
// ties fire in registration order. Channel sends are non-blocking (the
// buffer holds the one pending delivery).
func (fake *FakeClock) Advance(d time.Duration) {
	fake.mu.Lock()
	target := fake.current.Add(d)

	for {
		next := fake.nextDueLocked(target)
		if next == nil {
			break
		}
		if next.deadline.After(fake.current) {
			fake.current = next.deadline
		}
		next.fired = true

		if next.callback != nil {
			// Run without the lock so the callback can register new
			// timers or stop existing ones.
			fake.mu.Unlock()
			next.callback()
			fake.mu.Lock()
		} else {
			select {
			case next.channel <- fake.current:
			default:
			}
		}
	}

	fake.current = target
	fake.mu.Unlock()
}

// nextDueLocked removes and returns the earliest-deadline live waiter
// due at or before target, or nil when none remain. Stopped and fired
// waiters are dropped along the way.
func (fake *FakeClock) nextDueLocked(target time.Time) *waiter {
	bestIndex := -1
	for i, w := range fake.waiters {
		if w.stopped || w.fired {
			continue
		}
		if w.deadline.After(target) {
			continue
		}
		if bestIndex == -1 || w.deadline.Before(fake.waiters[bestIndex].deadline) {
			bestIndex = i
		}
	}
	if bestIndex == -1 {
		fake.compactLocked()
		return nil
	}
	due := fake.waiters[bestIndex]
	fake.waiters = append(fake.waiters[:bestIndex], fake.waiters[bestIndex+1:]...)
	return due
}

// compactLocked drops stopped and fired waiters from the pending list.
func (fake *FakeClock) compactLocked() {
	live := fake.waiters[:0]
	for _, w := range fake.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	fake.waiters = live
}

// WaitForTimers blocks until at least n waiters are registered and not
// yet fired. It closes the race between a goroutine registering a timer
// and the test advancing the clock:
//
//	go func() { <-fake.After(time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
func (fake *FakeClock) WaitForTimers(n int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for fake.pendingLocked() < n {
		fake.registered.Wait()
	}
}

// PendingCount returns the number of live registered waiters.
func (fake *FakeClock) PendingCount() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.pendingLocked()
}

func (fake *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range fake.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}
