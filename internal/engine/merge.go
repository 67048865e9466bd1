package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/resolver"
)

// MergeResult is the outcome of one Merge call.
type MergeResult struct {
	// Changes to push upstream, in production order. At most one per guid.
	Changes []ir.Change
	// Affected lists entries whose key ownership changed, including
	// evicted entries, in ascending local id order.
	Affected []ir.LocalID
	// Diagnostics notes every dropped record.
	Diagnostics []Diagnostic
}

// mergeRun carries the per-call state of Merge.
type mergeRun struct {
	e       *Engine
	changes []ir.Change
	emitted map[string]bool
	diags   []Diagnostic
}

// emit queues c unless a change for the same guid was already produced in
// this run.
func (r *mergeRun) emit(c ir.Change) {
	if r.emitted[c.GUID] {
		r.e.logger.Debug("duplicate outgoing change suppressed", "guid", c.GUID, "kind", c.Kind.String())
		return
	}
	r.emitted[c.GUID] = true
	r.changes = append(r.changes, c)
	r.e.ledger.Record(c)
}

func (r *mergeRun) note(err *RuntimeError) {
	r.e.logger.Warn("record dropped", "code", err.Code, "guid", err.GUID, "reason", err.Message)
	r.diags = append(r.diags, diag(err))
}

// Merge reconciles the registry against a full remote snapshot and starts
// a sync session.
//
// Snapshot records are validated first; malformed records are dropped and,
// when they carry a guid, answered with a Delete. The remaining records are
// then visited once in ascending guid order: a record matching a local guid
// is merged in place, an unseen one is resolved against the current owner
// of its key. Local
// entries absent from the snapshot are left alone. Finally every
// never-synced syncable entry is assigned a guid and pushed as an Add.
//
// Merge never fails. Merging the same snapshot twice yields no changes the
// second time.
func (e *Engine) Merge(snapshot []ir.RemoteRecord) MergeResult {
	s := e.enter()
	defer e.leave(s, "merge")

	e.syncing = true
	run := &mergeRun{e: e, emitted: make(map[string]bool)}
	ownersBefore := e.reg.Owners()

	present := make(map[string]bool, len(snapshot))
	for _, rec := range snapshot {
		present[rec.GUID] = true
	}
	// Anything in flight for a guid the remote no longer has has landed.
	e.ledger.Prune(func(guid string) bool { return present[guid] })

	records := run.collect(snapshot)
	run.preSyncDeletes(records)

	for _, guid := range slices.Sorted(maps.Keys(records)) {
		if run.emitted[guid] {
			// Evicted earlier in this pass; its Delete is already queued.
			e.logger.Debug("record superseded in this merge", "guid", guid)
			continue
		}
		if local, ok := e.reg.FindByGUID(guid); ok {
			run.mergeExisting(local, records[guid])
		} else {
			run.mergeNew(records[guid])
		}
	}
	run.addLocalOnly()

	affected := ownershipDelta(ownersBefore, e.reg.Owners())
	e.logger.Info("merge complete",
		"records", len(snapshot),
		"changes", len(run.changes),
		"dropped", len(run.diags),
		"affected", len(affected))

	return MergeResult{Changes: run.changes, Affected: affected, Diagnostics: run.diags}
}

// collect validates the snapshot and indexes it by guid. A guid that
// occurs more than once is malformed as a whole: every copy is dropped and
// one Delete is sent. Records whose guid has a Delete in flight are skipped
// silently.
func (r *mergeRun) collect(snapshot []ir.RemoteRecord) map[string]ir.RemoteRecord {
	e := r.e
	copies := make(map[string]int, len(snapshot))
	for _, rec := range snapshot {
		copies[rec.GUID]++
	}

	records := make(map[string]ir.RemoteRecord, len(snapshot))
	for _, rec := range snapshot {
		if rec.GUID == "" {
			r.note(NewMalformedError("", ir.ErrMissingGUID))
			continue
		}
		if e.ledger.Deleted(rec.GUID) {
			e.logger.Debug("record pending upstream delete", "guid", rec.GUID)
			continue
		}
		if n := copies[rec.GUID]; n > 1 {
			if !r.emitted[rec.GUID] {
				r.note(&RuntimeError{
					Code:    ErrCodeMalformedRecord,
					Message: fmt.Sprintf("guid occurs %d times in snapshot", n),
					GUID:    rec.GUID,
				})
				r.emit(ir.DeleteChange(rec.GUID))
			}
			continue
		}
		if err := rec.Validate(); err != nil {
			r.note(NewMalformedError(rec.GUID, err))
			r.emit(ir.DeleteChange(rec.GUID))
			continue
		}
		records[rec.GUID] = rec
	}
	return records
}

// preSyncDeletes answers records for guids removed locally while not
// syncing with a Delete and drops them from the merge.
func (r *mergeRun) preSyncDeletes(records map[string]ir.RemoteRecord) {
	e := r.e
	for _, guid := range e.PreSyncDeletes() {
		if _, ok := records[guid]; ok {
			delete(records, guid)
			r.emit(ir.DeleteChange(guid))
		}
	}
	clear(e.preSyncDeletes)
}

// mergeExisting merges a record into the local entry with the same guid.
func (r *mergeRun) mergeExisting(local ir.Entry, rec ir.RemoteRecord) {
	e := r.e
	switch {
	case rec.ModifiedAt.After(local.ModifiedAt):
		if err := e.reg.Update(local.LocalID, fromRemote(local, rec)); err != nil {
			r.note(collision(rec.GUID, err))
			return
		}
		e.ledger.Forget(rec.GUID)
		e.arrived(rec.GUID, local.LocalID)

	case local.ModifiedAt.After(rec.ModifiedAt) || ir.EntryDigest(local) != ir.RecordDigest(rec):
		if !local.Origin.Syncable() {
			return
		}
		if e.ledger.Pushed(local) {
			e.logger.Debug("update already in flight", "guid", local.SyncGUID)
			return
		}
		r.emit(ir.UpdateChange(local))

	default:
		e.ledger.Forget(rec.GUID)
	}
}

// mergeNew resolves a record whose guid is unknown locally.
func (r *mergeRun) mergeNew(rec ir.RemoteRecord) {
	e := r.e
	incoming := rec.Entry()

	if dup, ok := e.structuralDuplicate(incoming); ok {
		r.adopt(dup, rec)
		return
	}

	owner, ok := e.reg.FindOwner(incoming.LookupKey)
	if !ok {
		r.insert(incoming)
		return
	}

	d := e.decide(owner, incoming)
	e.logger.Debug("key conflict",
		"key", incoming.LookupKey,
		"incumbent", owner.LocalID,
		"challenger", rec.GUID,
		"winner", d.Winner.String(),
		"loser", d.Loser.String(),
		"rule", d.Rule.String())

	switch {
	case d.ChallengerWins() && d.Loser == resolver.Evicted:
		r.evict(owner)
		r.insert(incoming)
	case d.ChallengerWins():
		r.insert(incoming)
	case d.Loser == resolver.Evicted:
		e.logger.Info("remote record evicted", "guid", rec.GUID, "key", incoming.LookupKey, "owner", owner.LocalID)
		r.emit(ir.DeleteChange(rec.GUID))
	default:
		r.insert(incoming)
	}
}

// adopt binds a never-synced local entry to the remote record describing
// the same logical entry.
func (r *mergeRun) adopt(local ir.Entry, rec ir.RemoteRecord) {
	e := r.e
	e.logger.Debug("adopting remote guid", "local_id", local.LocalID, "guid", rec.GUID)

	if rec.ModifiedAt.After(local.ModifiedAt) {
		if err := e.reg.Update(local.LocalID, fromRemote(local, rec)); err != nil {
			r.note(collision(rec.GUID, err))
			return
		}
	} else {
		updated := local
		updated.SyncGUID = rec.GUID
		if err := e.reg.Update(local.LocalID, updated); err != nil {
			r.note(collision(rec.GUID, err))
			return
		}
		if ir.EntryDigest(updated) != ir.RecordDigest(rec) {
			r.emit(ir.UpdateChange(updated))
		}
	}
	e.arrived(rec.GUID, local.LocalID)
}

func (r *mergeRun) insert(entry ir.Entry) {
	e := r.e
	id, err := e.reg.Insert(entry)
	if err != nil {
		r.note(collision(entry.SyncGUID, err))
		r.emit(ir.DeleteChange(entry.SyncGUID))
		return
	}
	e.arrived(entry.SyncGUID, id)
}

func (r *mergeRun) evict(owner ir.Entry) {
	e := r.e
	e.logger.Info("entry evicted", "local_id", owner.LocalID, "guid", owner.SyncGUID, "key", owner.LookupKey)
	e.reg.Remove(owner.LocalID)
	if owner.Synced() {
		r.emit(ir.DeleteChange(owner.SyncGUID))
	}
	e.evicted(owner.SyncGUID, owner.LocalID)
}

// addLocalOnly assigns guids to never-synced entries and pushes them.
func (r *mergeRun) addLocalOnly() {
	e := r.e
	for _, entry := range e.reg.Entries() {
		if entry.Synced() || !e.canAdd(entry) {
			continue
		}
		entry.SyncGUID = e.guids.Generate()
		if err := e.reg.Update(entry.LocalID, entry); err != nil {
			e.logger.Error("assign guid", "local_id", entry.LocalID, "error", err)
			continue
		}
		r.emit(ir.AddChange(entry))
	}
}

// structuralDuplicate finds a never-synced local entry that describes the
// same logical entry as incoming: same key and url, or the same baseline
// member.
func (e *Engine) structuralDuplicate(incoming ir.Entry) (ir.Entry, bool) {
	for _, c := range e.reg.Carriers(incoming.LookupKey) {
		if c.Synced() || !c.Origin.Syncable() {
			continue
		}
		if c.URLTemplate == incoming.URLTemplate ||
			(c.IsBaseline() && c.ProvenanceID == incoming.ProvenanceID) {
			return c, true
		}
	}
	return ir.Entry{}, false
}

// fromRemote builds the overwritten form of local. Baseline entries keep
// their baseline identity so they can still be repaired later.
func fromRemote(local ir.Entry, rec ir.RemoteRecord) ir.Entry {
	updated := rec.Entry()
	updated.LocalID = local.LocalID
	updated.SeeksDefault = local.SeeksDefault
	if local.IsBaseline() {
		updated.ProvenanceID = local.ProvenanceID
		updated.Origin = local.Origin
	}
	return updated
}

func collision(guid string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeGUIDCollision, Message: err.Error(), GUID: guid}
}

// ownershipDelta returns ids that gained or lost ownership, sorted.
func ownershipDelta(before, after []ir.LocalID) []ir.LocalID {
	was := make(map[ir.LocalID]bool, len(before))
	for _, id := range before {
		was[id] = true
	}
	is := make(map[ir.LocalID]bool, len(after))
	var out []ir.LocalID
	for _, id := range after {
		is[id] = true
		if !was[id] {
			out = append(out, id)
		}
	}
	for _, id := range before {
		if !is[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
