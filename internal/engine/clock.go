package engine

import "time"

// Clock supplies modification timestamps for local edits.
//
// Timestamps are truncated to whole seconds, the resolution the sync
// service stores, so a locally edited entry compares equal to its own
// round-tripped record.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (e *Engine) now() time.Time {
	return e.clock.Now().Truncate(time.Second)
}
