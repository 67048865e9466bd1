package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// GUIDGenerator assigns sync guids to entries that have never been synced.
// Implemented by UUIDv7Generator (production), UUIDv4Generator and
// FixedGenerator (tests).
type GUIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 guids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so guids sort by
// creation time. This keeps merge output (ordered by guid) roughly in
// creation order, which helps when reading logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// UUIDv4Generator generates random UUIDv4 guids, the format most sync
// peers produce.
type UUIDv4Generator struct{}

// Generate creates a new random UUID.
func (g UUIDv4Generator) Generate() string {
	return uuid.NewString()
}

// NewGUIDGenerator returns the generator registered under name.
// Accepted names are "uuidv7" (also the empty string) and "uuidv4".
func NewGUIDGenerator(name string) (GUIDGenerator, error) {
	switch name {
	case "", "uuidv7":
		return UUIDv7Generator{}, nil
	case "uuidv4":
		return UUIDv4Generator{}, nil
	default:
		return nil, fmt.Errorf("unknown guid generator %q", name)
	}
}

// FixedGenerator returns predetermined guids for testing.
//
// Tests provide a known sequence of guids and verify exact merge output.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu    sync.Mutex
	guids []string
	idx   int
}

// NewFixedGenerator creates a generator that returns guids in order.
//
// Example:
//
//	gen := NewFixedGenerator("local-1", "local-2")
//	gen.Generate() // "local-1"
//	gen.Generate() // "local-2"
//	gen.Generate() // panic: all guids exhausted
func NewFixedGenerator(guids ...string) *FixedGenerator {
	return &FixedGenerator{guids: guids}
}

// Generate returns the next predetermined guid.
//
// Panics if all guids have been consumed. This is a fail-fast approach
// to catch test misconfiguration (more local entries than expected).
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.guids) {
		panic("FixedGenerator: all guids exhausted")
	}
	guid := g.guids[g.idx]
	g.idx++
	return guid
}
