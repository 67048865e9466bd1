package testutil

import (
	"fmt"
	"sync"
)

// SequentialGUIDGenerator hands out "<prefix>-<n>" guids starting at 1.
//
// Unlike engine.FixedGenerator, which panics once its list is exhausted,
// this generator never runs out. Useful for property tests that create an
// unknown number of entries.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialGUIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGUIDGenerator creates a generator. An empty prefix becomes
// "guid".
func NewSequentialGUIDGenerator(prefix string) *SequentialGUIDGenerator {
	if prefix == "" {
		prefix = "guid"
	}
	return &SequentialGUIDGenerator{prefix: prefix}
}

// Generate returns the next guid.
//
// Implements engine.GUIDGenerator.
func (g *SequentialGUIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
