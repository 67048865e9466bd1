package engine

import (
	"fmt"
	"slices"
	"sync"
)

// Notification is the coalesced "state changed" signal. At most one is
// published per public Engine call, and none when the call changed neither
// the registry nor the default selection.
type Notification struct {
	// Seq numbers notifications from 1 for the lifetime of the bus.
	Seq uint64
	// Cause names the Engine call that produced the change.
	Cause string
	// Version is the registry version after the call.
	Version uint64
	// Default is the default selection after the call.
	Default DefaultState
}

func (n Notification) String() string {
	return fmt.Sprintf("#%d %s (version=%d, default=%s)", n.Seq, n.Cause, n.Version, n.Default)
}

// Observer receives notifications synchronously, in subscription order.
type Observer func(Notification)

// Bus fans notifications out to an ordered list of observers.
//
// Observers are held in a plain slice and called in registration order.
// Bus also exposes a coalescing signal channel for consumers that poll
// instead of subscribing: any number of publishes between two reads of
// Changed() produce a single wakeup.
//
// Thread-safety: Subscribe and the returned cancel func may be called from
// any goroutine. Publish is called by the engine's single writer.
type Bus struct {
	mu        sync.Mutex
	observers []subscription
	nextID    uint64
	seq       uint64
	signal    chan struct{} // buffered, size 1
}

type subscription struct {
	id uint64
	fn Observer
}

// NewBus creates a bus with no observers.
func NewBus() *Bus {
	return &Bus{signal: make(chan struct{}, 1)}
}

// Subscribe registers o and returns a func that unregisters it. Calling
// cancel more than once is harmless.
func (b *Bus) Subscribe(o Observer) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, subscription{id: id, fn: o})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.observers = slices.DeleteFunc(b.observers, func(s subscription) bool { return s.id == id })
	}
}

// Publish stamps n with the next sequence number and delivers it.
func (b *Bus) Publish(n Notification) Notification {
	b.mu.Lock()
	b.seq++
	n.Seq = b.seq
	observers := slices.Clone(b.observers)
	b.mu.Unlock()

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case b.signal <- struct{}{}:
	default:
	}

	for _, s := range observers {
		s.fn(n)
	}
	return n
}

// Changed returns a channel that receives after one or more publishes.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-bus.Changed():
//	    // re-read engine state
//	}
func (b *Bus) Changed() <-chan struct{} {
	return b.signal
}

// Published returns the number of notifications published so far.
func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
