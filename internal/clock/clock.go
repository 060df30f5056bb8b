package clock

import (
	"sync"
	"time"
)

// Clock supplies wall-clock time to hub components.
type Clock interface {
	Now() time.Time
}

// Func adapts a function into the Clock interface.
type Func func() time.Time

// Now implements Clock.
func (f Func) Now() time.Time {
	if f == nil {
		return time.Now()
	}
	return f()
}

// System returns the process clock.
func System() Clock {
	return Func(time.Now)
}

// OrSystem returns c, or the process clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System()
	}
	return c
}

// Manual is a settable clock for tests and deterministic replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual constructs a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
