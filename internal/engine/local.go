package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/registry"
)

// ErrGUIDImmutable is returned when a local edit tries to change an
// entry's sync guid.
var ErrGUIDImmutable = errors.New("engine: sync guid cannot be changed by a local edit")

// canAdd reports whether a never-synced entry should be pushed as an Add.
func (e *Engine) canAdd(entry ir.Entry) bool {
	if !e.syncing || !entry.Origin.Syncable() {
		return false
	}
	return !entry.IsBaseline() || e.emitBaseline
}

// canUpdate reports whether an edit to entry should be pushed upstream.
func (e *Engine) canUpdate(entry ir.Entry) bool {
	return e.syncing && entry.Synced() && entry.Origin.Syncable()
}

func validateLocal(entry ir.Entry) error {
	if ir.NormalizeKey(entry.LookupKey) == "" {
		return registry.ErrEmptyKey
	}
	if entry.URLTemplate == "" {
		return ir.ErrEmptyURLTemplate
	}
	return nil
}

// Add inserts a locally created entry and returns its local id.
//
// Zero timestamps are stamped from the engine clock. While syncing, a
// syncable entry is given a guid and pushed as an Add.
func (e *Engine) Add(entry ir.Entry) (ir.LocalID, error) {
	if err := validateLocal(entry); err != nil {
		return 0, fmt.Errorf("add %q: %w", entry.LookupKey, err)
	}

	s := e.enter()
	defer e.leave(s, "add")

	now := e.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.ModifiedAt.IsZero() {
		entry.ModifiedAt = now
	}
	push := !entry.Synced() && e.canAdd(entry)
	if push {
		entry.SyncGUID = e.guids.Generate()
	}

	id, err := e.reg.Insert(entry)
	if err != nil {
		return 0, fmt.Errorf("add %q: %w", entry.LookupKey, err)
	}
	entry.LocalID = id
	if push {
		e.push(ir.AddChange(entry))
	}
	e.arrived(entry.SyncGUID, id)
	return id, nil
}

// Update edits the entry with the given id through fn and stamps it as
// modified now. While syncing, an edit to a synced entry is pushed as an
// Update.
func (e *Engine) Update(id ir.LocalID, fn func(*ir.Entry)) error {
	old, ok := e.reg.FindByLocalID(id)
	if !ok {
		return fmt.Errorf("update %d: %w", id, registry.ErrNotFound)
	}
	updated := old
	fn(&updated)
	updated.LocalID = id
	if updated.SyncGUID != old.SyncGUID {
		return fmt.Errorf("update %d: %w", id, ErrGUIDImmutable)
	}
	if err := validateLocal(updated); err != nil {
		return fmt.Errorf("update %d: %w", id, err)
	}
	updated.ModifiedAt = e.now()

	s := e.enter()
	defer e.leave(s, "update")

	if err := e.reg.Update(id, updated); err != nil {
		return fmt.Errorf("update %d: %w", id, err)
	}
	if e.canUpdate(updated) {
		e.push(ir.UpdateChange(updated))
	}
	return nil
}

// Remove deletes a local entry. Baseline entries and the current default
// cannot be removed.
//
// A synced entry removed while syncing is pushed as a Delete. Removed while
// not syncing, its guid is remembered and deleted upstream by the next
// Merge.
func (e *Engine) Remove(id ir.LocalID) error {
	old, ok := e.reg.FindByLocalID(id)
	if !ok {
		return fmt.Errorf("remove %d: %w", id, registry.ErrNotFound)
	}
	if old.IsBaseline() {
		return NewProtectedError(old, "baseline entries cannot be removed")
	}
	if e.defaults.IsBound(id) {
		return NewProtectedError(old, "the current default cannot be removed")
	}

	s := e.enter()
	defer e.leave(s, "remove")

	e.reg.Remove(id)
	if !old.Synced() || !old.Origin.Syncable() {
		return nil
	}
	if e.syncing {
		e.push(ir.DeleteChange(old.SyncGUID))
	} else {
		e.preSyncDeletes[old.SyncGUID] = struct{}{}
	}
	return nil
}
