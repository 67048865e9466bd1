package engine

import "github.com/roach88/kwsync/internal/ir"

// Emitter accumulates outgoing changes produced outside Merge (local edits
// and baseline repair) until the transport drains them.
//
// No dedup is applied; callers push at most one change per guid per
// operation.
type Emitter struct {
	pending []ir.Change
}

// Push appends c.
func (m *Emitter) Push(c ir.Change) {
	m.pending = append(m.pending, c)
}

// Drain returns and clears the pending changes in push order.
func (m *Emitter) Drain() []ir.Change {
	out := m.pending
	m.pending = nil
	return out
}

// Len returns the number of pending changes.
func (m *Emitter) Len() int {
	return len(m.pending)
}
