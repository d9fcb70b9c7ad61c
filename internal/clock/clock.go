// Package clock provides a time abstraction so presence timestamps, override
// expiry and delayed automations can be driven manually in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time surface consumed by the presence manager and automations.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. The returned Timer cancels the call via Stop.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single pending event that can be cancelled.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired
	// or was already stopped.
	Stop() bool
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

// NewRealClock returns a Clock backed by real time.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

// MockClock is a manually-advanced Clock for tests.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

// NewMockClock creates a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the mock time forward, firing any timers whose deadline is
// reached in deadline order. Callbacks run synchronously on the caller's
// goroutine.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due []*mockTimer
	var remaining []*mockTimer
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(now) {
			due = append(due, t)
		} else if !t.stopped {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fire()
	}
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *mockTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	f := t.f
	t.mu.Unlock()
	f()
}
