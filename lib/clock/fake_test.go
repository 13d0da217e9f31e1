// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(5 * time.Second)
	want := epoch.Add(5 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(3 * time.Second)

	select {
	case <-channel:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(3 * time.Second)

	select {
	case <-channel:
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	fake := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-fake.After(d):
		default:
			t.Fatalf("After(%v) should deliver immediately", d)
		}
	}
}

func TestFakeClockAfterPartialAdvance(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(5 * time.Second)

	fake.Advance(3 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before deadline")
	default:
	}

	fake.Advance(2 * time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at exact deadline")
	}
}

func TestFakeClockAfterFuncInvokesCallback(t *testing.T) {
	fake := Fake(epoch)
	var called atomic.Bool
	fake.AfterFunc(2*time.Second, func() {
		called.Store(true)
	})

	fake.Advance(1 * time.Second)
	if called.Load() {
		t.Fatal("AfterFunc fired before deadline")
	}

	fake.Advance(1 * time.Second)
	if !called.Load() {
		t.Fatal("AfterFunc did not fire at deadline")
	}
}

func TestFakeClockAfterFuncZeroDuration(t *testing.T) {
	fake := Fake(epoch)
	var called atomic.Bool
	timer := fake.AfterFunc(0, func() {
		called.Store(true)
	})

	if !called.Load() {
		t.Fatal("AfterFunc(0) should run f synchronously")
	}
	if timer.Stop() {
		t.Fatal("Stop() on an already-run timer should return false")
	}
}

func TestFakeClockAfterFuncStop(t *testing.T) {
	fake := Fake(epoch)
	var called atomic.Bool
	timer := fake.AfterFunc(2*time.Second, func() {
		called.Store(true)
	})

	if !timer.Stop() {
		t.Fatal("Stop() should return true for an unfired timer")
	}

	fake.Advance(5 * time.Second)
	if called.Load() {
		t.Fatal("callback ran after Stop()")
	}
}

func TestFakeClockAfterFuncStopTwice(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.AfterFunc(time.Second, func() {})

	if !timer.Stop() {
		t.Fatal("first Stop() should return true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() should return false")
	}
}

func TestFakeClockAfterFuncStopAfterFire(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.AfterFunc(time.Second, func() {})

	fake.Advance(time.Second)

	if timer.Stop() {
		t.Fatal("Stop() should return false once the timer has fired")
	}
}

func TestFakeClockCallbacksFireInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)

	var mu sync.Mutex
	var order []int

	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	fake.AfterFunc(3*time.Second, record(3))
	fake.AfterFunc(1*time.Second, record(1))
	fake.AfterFunc(2*time.Second, record(2))

	fake.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callbacks fired in order %v, want [1 2 3]", order)
	}
}

func TestFakeClockCurrentSteppedDuringAdvance(t *testing.T) {
	fake := Fake(epoch)

	var seen []time.Time
	fake.AfterFunc(1*time.Second, func() {
		seen = append(seen, fake.Now())
	})
	fake.AfterFunc(4*time.Second, func() {
		seen = append(seen, fake.Now())
	})

	fake.Advance(10 * time.Second)

	if len(seen) != 2 {
		t.Fatalf("fired %d callbacks, want 2", len(seen))
	}
	if want := epoch.Add(1 * time.Second); !seen[0].Equal(want) {
		t.Errorf("first callback saw Now() = %v, want %v", seen[0], want)
	}
	if want := epoch.Add(4 * time.Second); !seen[1].Equal(want) {
		t.Errorf("second callback saw Now() = %v, want %v", seen[1], want)
	}
}

func TestFakeClockCallbackChainWithinOneAdvance(t *testing.T) {
	// A callback that schedules a follow-up inside the advanced window
	// fires within the same Advance call. This is the shape of a
	// backoff chain: each retry schedules the next.
	fake := Fake(epoch)
	var fires atomic.Int32

	var schedule func(delay time.Duration)
	schedule = func(delay time.Duration) {
		fake.AfterFunc(delay, func() {
			fires.Add(1)
			schedule(delay * 2)
		})
	}
	schedule(1 * time.Second)

	// Window covers deadlines at 1s, 3s, 7s; the next (15s) is out.
	fake.Advance(10 * time.Second)

	if got := fires.Load(); got != 3 {
		t.Fatalf("chained callbacks fired %d times, want 3", got)
	}
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (the 15s follow-up)", got)
	}
}

func TestFakeClockOneShotDoesNotRepeat(t *testing.T) {
	fake := Fake(epoch)
	var count atomic.Int32
	fake.AfterFunc(time.Second, func() {
		count.Add(1)
	})

	fake.Advance(time.Second)
	fake.Advance(time.Second)
	fake.Advance(time.Second)

	if got := count.Load(); got != 1 {
		t.Fatalf("AfterFunc fired %d times, want 1", got)
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	fake := Fake(epoch)

	for i := 0; i < 3; i++ {
		go func() {
			<-fake.After(5 * time.Second)
		}()
	}

	fake.WaitForTimers(3)

	if got := fake.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3", got)
	}
}

func TestFakeClockPendingCountExcludesStopped(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.AfterFunc(2*time.Second, func() {})
	fake.After(3 * time.Second)

	if got := fake.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}

	timer.Stop()
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after Stop = %d, want 1", got)
	}
}

func TestFakeClockPendingCountExcludesFired(t *testing.T) {
	fake := Fake(epoch)
	fake.After(1 * time.Second)
	fake.After(3 * time.Second)

	fake.Advance(2 * time.Second)
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after first fires = %d, want 1", got)
	}
}

func TestFakeClockConcurrentAccess(t *testing.T) {
	fake := Fake(epoch)
	const goroutines = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			fake.After(1 * time.Second)
			fake.Now()
		}()
	}
	wg.Wait()

	fake.WaitForTimers(goroutines)
	fake.Advance(1 * time.Second)
}

func TestFakeClockImplementsClock(t *testing.T) {
	var _ Clock = (*FakeClock)(nil)
	var _ Clock = Real()
}
