// Package registry holds the authoritative in-memory collection of entries.
//
// Entries live in a dense arena addressed by ir.LocalID. Two indices sit on
// top: sync guid to local id, and normalized lookup key to the ids that
// carry it. Every key with at least one carrier has exactly one owner,
// chosen by the registry's OwnerPolicy.
//
// A Registry is not safe for concurrent use. It is owned by a single engine
// instance which serializes all mutations.
package registry

import (
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/kwsync/internal/ir"
)

var (
	// ErrGUIDCollision is returned when an entry's sync guid is already held
	// by a different entry.
	ErrGUIDCollision = errors.New("registry: sync guid already in use")
	// ErrNotFound is returned when a local id does not address a live entry.
	ErrNotFound = errors.New("registry: entry not found")
	// ErrEmptyKey is returned when an entry has no usable lookup key.
	ErrEmptyKey = errors.New("registry: empty lookup key")
	// ErrIDInUse is returned by Restore when the requested local id is taken.
	ErrIDInUse = errors.New("registry: local id already in use")
)

// OwnerPolicy reports whether challenger should take ownership of a lookup
// key from incumbent. It must be pure.
type OwnerPolicy func(incumbent, challenger ir.Entry) bool

// Registry is the dense entry arena plus its indices.
type Registry struct {
	prefer OwnerPolicy

	// slots[i] holds the entry with LocalID i+1; nil after removal.
	slots []*ir.Entry
	live  int

	byGUID   map[string]ir.LocalID
	carriers map[string][]ir.LocalID // ascending LocalID
	owners   map[string]ir.LocalID
	shadowed map[ir.LocalID]bool

	version uint64
}

// New creates an empty registry that resolves ownership with prefer.
func New(prefer OwnerPolicy) *Registry {
	if prefer == nil {
		panic("registry: nil owner policy")
	}
	return &Registry{
		prefer:   prefer,
		byGUID:   make(map[string]ir.LocalID),
		carriers: make(map[string][]ir.LocalID),
		owners:   make(map[string]ir.LocalID),
		shadowed: make(map[ir.LocalID]bool),
	}
}

// Insert adds e and returns its newly assigned local id. Any LocalID set on e
// is ignored.
//
// The entry becomes owner of its lookup key if the key has no owner or the
// owner policy prefers it over the current owner.
func (r *Registry) Insert(e ir.Entry) (ir.LocalID, error) {
	e.LocalID = ir.LocalID(len(r.slots) + 1)
	if err := r.admit(e); err != nil {
		return 0, err
	}
	r.slots = append(r.slots, nil)
	r.place(e)
	return e.LocalID, nil
}

// Restore adds e under its existing LocalID. Used when rebuilding a registry
// from persisted state; ids above the current high-water mark leave unused
// slots that are never handed out.
func (r *Registry) Restore(e ir.Entry) error {
	if e.LocalID <= 0 {
		return fmt.Errorf("restore: invalid local id %d", e.LocalID)
	}
	if _, ok := r.lookup(e.LocalID); ok {
		return fmt.Errorf("restore %d: %w", e.LocalID, ErrIDInUse)
	}
	if err := r.admit(e); err != nil {
		return err
	}
	for len(r.slots) < int(e.LocalID) {
		r.slots = append(r.slots, nil)
	}
	r.place(e)
	return nil
}

func (r *Registry) admit(e ir.Entry) error {
	if ir.NormalizeKey(e.LookupKey) == "" {
		return ErrEmptyKey
	}
	if e.SyncGUID != "" {
		if held, ok := r.byGUID[e.SyncGUID]; ok && held != e.LocalID {
			return fmt.Errorf("guid %s held by %d: %w", e.SyncGUID, held, ErrGUIDCollision)
		}
	}
	return nil
}

func (r *Registry) place(e ir.Entry) {
	stored := e
	r.slots[e.LocalID-1] = &stored
	r.live++
	if e.SyncGUID != "" {
		r.byGUID[e.SyncGUID] = e.LocalID
	}
	r.attach(ir.NormalizeKey(e.LookupKey), e.LocalID)
	r.version++
}

// attach adds id to the carriers of key and challenges the current owner.
func (r *Registry) attach(key string, id ir.LocalID) {
	ids := r.carriers[key]
	pos := len(ids)
	for i, other := range ids {
		if other > id {
			pos = i
			break
		}
	}
	ids = append(ids, 0)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	r.carriers[key] = ids

	r.challenge(key, id)
}

func (r *Registry) challenge(key string, id ir.LocalID) {
	if r.shadowed[id] {
		return
	}
	owner, ok := r.owners[key]
	if !ok {
		r.owners[key] = id
		return
	}
	if owner == id {
		return
	}
	if r.prefer(*r.slots[owner-1], *r.slots[id-1]) {
		r.owners[key] = id
	}
}

// detach removes id from the carriers of key, electing a new owner if id
// owned it.
func (r *Registry) detach(key string, id ir.LocalID) {
	ids := r.carriers[key]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.carriers, key)
		delete(r.owners, key)
		return
	}
	r.carriers[key] = ids
	if r.owners[key] == id {
		r.elect(key)
	}
}

// elect recomputes the owner of key by folding the owner policy over its
// unshadowed carriers in ascending LocalID order. A key whose carriers are
// all shadowed has no owner.
func (r *Registry) elect(key string) {
	var best ir.LocalID
	for _, id := range r.carriers[key] {
		if r.shadowed[id] {
			continue
		}
		if best == 0 || r.prefer(*r.slots[best-1], *r.slots[id-1]) {
			best = id
		}
	}
	if best == 0 {
		delete(r.owners, key)
		return
	}
	r.owners[key] = best
}

// Remove deletes the entry with the given id from all indices.
// Removing an absent id is a no-op.
func (r *Registry) Remove(id ir.LocalID) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	r.slots[id-1] = nil
	r.live--
	delete(r.shadowed, id)
	if e.SyncGUID != "" && r.byGUID[e.SyncGUID] == id {
		delete(r.byGUID, e.SyncGUID)
	}
	r.detach(ir.NormalizeKey(e.LookupKey), id)
	r.version++
}

// Update replaces the content of the entry with the given id. The local id
// is preserved regardless of e.LocalID.
//
// If the lookup key changes, the entry leaves its old key (which elects a
// new owner if needed) and challenges the owner of the new one. If the key
// is unchanged and the entry is not the owner, it re-challenges the owner
// with its new content; an owner keeps ownership. A content change lifts
// any shadow on the entry.
func (r *Registry) Update(id ir.LocalID, e ir.Entry) error {
	old, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("update %d: %w", id, ErrNotFound)
	}
	e.LocalID = id
	if err := r.admit(e); err != nil {
		return err
	}
	if sameContent(old, e) {
		return nil
	}

	if old.SyncGUID != e.SyncGUID {
		if old.SyncGUID != "" {
			delete(r.byGUID, old.SyncGUID)
		}
		if e.SyncGUID != "" {
			r.byGUID[e.SyncGUID] = id
		}
	}

	stored := e
	r.slots[id-1] = &stored
	delete(r.shadowed, id)

	oldKey, newKey := ir.NormalizeKey(old.LookupKey), ir.NormalizeKey(e.LookupKey)
	if oldKey != newKey {
		r.detach(oldKey, id)
		r.attach(newKey, id)
	} else {
		r.challenge(newKey, id)
	}
	r.version++
	return nil
}

// Promote makes the entry with the given id the owner of its lookup key,
// bypassing the owner policy. A shadowed entry is unshadowed.
func (r *Registry) Promote(id ir.LocalID) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("promote %d: %w", id, ErrNotFound)
	}
	if r.shadowed[id] {
		delete(r.shadowed, id)
		r.version++
	}
	key := ir.NormalizeKey(e.LookupKey)
	if r.owners[key] != id {
		r.owners[key] = id
		r.version++
	}
	return nil
}

// Shadow demotes the entry with the given id: it stays addressable by id
// and guid but is never elected owner of its key, even as the only
// carrier. The shadow lasts until the entry's content changes or it is
// promoted.
func (r *Registry) Shadow(id ir.LocalID) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("shadow %d: %w", id, ErrNotFound)
	}
	if r.shadowed[id] {
		return nil
	}
	r.shadowed[id] = true
	key := ir.NormalizeKey(e.LookupKey)
	if r.owners[key] == id {
		r.elect(key)
	}
	r.version++
	return nil
}

// IsShadowed reports whether the entry with the given id is shadowed.
func (r *Registry) IsShadowed(id ir.LocalID) bool {
	return r.shadowed[id]
}

// Shadowed returns the ids of all shadowed entries in ascending order.
func (r *Registry) Shadowed() []ir.LocalID {
	out := make([]ir.LocalID, 0, len(r.shadowed))
	for i, p := range r.slots {
		if p != nil && r.shadowed[ir.LocalID(i+1)] {
			out = append(out, p.LocalID)
		}
	}
	return out
}

// Reserve raises the id high-water mark so the next Insert returns at least
// next. Ids below the mark that were never used stay unused.
func (r *Registry) Reserve(next ir.LocalID) {
	for ir.LocalID(len(r.slots)+1) < next {
		r.slots = append(r.slots, nil)
	}
}

// NextID returns the id the next Insert will assign.
func (r *Registry) NextID() ir.LocalID {
	return ir.LocalID(len(r.slots) + 1)
}

func (r *Registry) lookup(id ir.LocalID) (ir.Entry, bool) {
	if id <= 0 || int(id) > len(r.slots) {
		return ir.Entry{}, false
	}
	p := r.slots[id-1]
	if p == nil {
		return ir.Entry{}, false
	}
	return *p, true
}

// FindByLocalID returns a copy of the entry with the given id.
func (r *Registry) FindByLocalID(id ir.LocalID) (ir.Entry, bool) {
	return r.lookup(id)
}

// FindByGUID returns a copy of the entry carrying guid.
func (r *Registry) FindByGUID(guid string) (ir.Entry, bool) {
	if guid == "" {
		return ir.Entry{}, false
	}
	id, ok := r.byGUID[guid]
	if !ok {
		return ir.Entry{}, false
	}
	return r.lookup(id)
}

// FindOwner returns the entry that owns key for forward lookup.
// The key is normalized before lookup.
func (r *Registry) FindOwner(key string) (ir.Entry, bool) {
	id, ok := r.owners[ir.NormalizeKey(key)]
	if !ok {
		return ir.Entry{}, false
	}
	return r.lookup(id)
}

// IsOwner reports whether the entry with the given id owns its lookup key.
func (r *Registry) IsOwner(id ir.LocalID) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	return r.owners[ir.NormalizeKey(e.LookupKey)] == id
}

// Carriers returns every entry carrying key, owner or not, in ascending
// LocalID order.
func (r *Registry) Carriers(key string) []ir.Entry {
	ids := r.carriers[ir.NormalizeKey(key)]
	out := make([]ir.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.lookup(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// All yields every live entry in ascending LocalID order. The sequence is
// restartable; it reflects the registry at the time each element is read,
// so callers must not mutate the registry while ranging over it.
func (r *Registry) All() iter.Seq[ir.Entry] {
	return func(yield func(ir.Entry) bool) {
		for _, p := range r.slots {
			if p == nil {
				continue
			}
			if !yield(*p) {
				return
			}
		}
	}
}

// Entries returns a snapshot of all live entries in ascending LocalID order.
func (r *Registry) Entries() []ir.Entry {
	out := make([]ir.Entry, 0, r.live)
	for e := range r.All() {
		out = append(out, e)
	}
	return out
}

// Owners returns the local ids of all key owners in ascending order.
func (r *Registry) Owners() []ir.LocalID {
	out := make([]ir.LocalID, 0, len(r.owners))
	for _, p := range r.slots {
		if p != nil && r.owners[ir.NormalizeKey(p.LookupKey)] == p.LocalID {
			out = append(out, p.LocalID)
		}
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return r.live
}

// Version increments on every mutation. Callers compare versions to detect
// whether an operation changed anything.
func (r *Registry) Version() uint64 {
	return r.version
}

func sameContent(a, b ir.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) || !a.ModifiedAt.Equal(b.ModifiedAt) {
		return false
	}
	a.CreatedAt, a.ModifiedAt = b.CreatedAt, b.ModifiedAt
	return a == b
}
