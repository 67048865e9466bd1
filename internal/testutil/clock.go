package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first instant returned by a fresh DeterministicClock.
var DefaultEpoch = time.Unix(1000, 0).UTC()

// DeterministicClock is a manual wall clock for tests.
//
// Each call to Now() advances the clock by one second, so consecutive local
// edits always carry strictly increasing modification times and repeated
// runs produce identical timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	ticks int64
}

// NewDeterministicClock creates a clock whose first Now() is DefaultEpoch.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(DefaultEpoch)
}

// NewDeterministicClockAt creates a clock whose first Now() is start.
func NewDeterministicClockAt(start time.Time) *DeterministicClock {
	return &DeterministicClock{start: start}
}

// Now returns the current instant and advances the clock by one second.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.start.Add(time.Duration(c.ticks) * time.Second)
	c.ticks++
	return now
}

// Current returns the instant the next Now() call will return, without
// advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(time.Duration(c.ticks) * time.Second)
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
