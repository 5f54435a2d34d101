package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEventually(t *testing.T) {
	t.Run("condition met immediately", func(t *testing.T) {
		called := false
		Eventually(t, func() bool {
			called = true
			return true
		}, 100*time.Millisecond, 10*time.Millisecond)

		if !called {
			t.Error("condition function should be called")
		}
	})

	t.Run("condition met after delay", func(t *testing.T) {
		var flag atomic.Bool
		go func() {
			time.Sleep(30 * time.Millisecond)
			flag.Store(true)
		}()

		Eventually(t, flag.Load, 500*time.Millisecond, 5*time.Millisecond)
	})
}

func TestWaitForInt64(t *testing.T) {
	var value atomic.Int64

	go func() {
		time.Sleep(30 * time.Millisecond)
		value.Store(100)
	}()

	WaitForInt64(t, &value, 100, 500*time.Millisecond)
}

func TestCallbackTracker(t *testing.T) {
	tracker := NewCallbackTracker()
	tracker.AssertCallCount(t, 0)

	const goroutines = 10
	const callsPerGoroutine = 100

	done := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < callsPerGoroutine; j++ {
				tracker.Mark(j)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}

	tracker.AssertCallCount(t, goroutines*callsPerGoroutine)
	AssertEqual(t, len(tracker.Values()), goroutines*callsPerGoroutine)
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	AssertEqual(t, clock.Now(), start)

	clock.Advance(time.Minute)
	AssertEqual(t, clock.Now(), start.Add(time.Minute))

	clock.Set(start)
	AssertEqual(t, clock.Now(), start)

	if NewMockClock(time.Time{}).Now().IsZero() {
		t.Error("zero start should default to the current time")
	}
}
