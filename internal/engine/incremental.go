package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/resolver"
)

// ApplyChanges applies incrementally delivered remote changes in delivery
// order. Each change is applied as by ApplyOne, with its own notification.
//
// Returns a NOT_SYNCING error, without touching the registry, when no sync
// session is active.
func (e *Engine) ApplyChanges(changes []ir.RemoteChange) ([]Diagnostic, error) {
	if !e.syncing {
		e.logger.Warn("changes received while not syncing", "count", len(changes))
		return nil, NewNotSyncingError("")
	}
	var diags []Diagnostic
	for _, c := range changes {
		d, err := e.ApplyOne(c)
		diags = append(diags, d...)
		if err != nil {
			return diags, fmt.Errorf("apply %s %s: %w", c.Kind, c.GUID, err)
		}
	}
	return diags, nil
}

// ApplyOne applies a single remote change.
//
// Incremental changes flow one way: they update the registry and the
// default selection but never produce outgoing changes. An Add for an
// unseen guid is resolved against the owner of its key as in Merge; an
// evicted loser is removed locally without a Delete. An Add or Update
// not newer than the local entry is ignored, as is an Update for a guid
// that is not held locally. A Delete for an unknown guid, or
// for an entry that no longer matches the deleted record, is stale and
// ignored. A Delete of a baseline entry demotes it instead of removing it,
// and a Delete of the current default is refused.
func (e *Engine) ApplyOne(c ir.RemoteChange) ([]Diagnostic, error) {
	if !e.syncing {
		e.logger.Warn("change received while not syncing", "kind", c.Kind.String(), "guid", c.GUID)
		return nil, NewNotSyncingError(c.GUID)
	}

	s := e.enter()
	defer e.leave(s, "apply")

	if c.Kind != ir.ChangeDefault {
		e.ledger.Forget(c.GUID)
	}

	var err *RuntimeError
	switch c.Kind {
	case ir.ChangeAdd, ir.ChangeUpdate:
		err = e.applyUpsert(c.Kind, c.Record)
	case ir.ChangeDelete:
		err = e.applyDelete(c)
	case ir.ChangeDefault:
		err = e.applyDefault(c.GUID)
	default:
		err = &RuntimeError{
			Code:    ErrCodeMalformedRecord,
			Message: fmt.Sprintf("unknown change kind %s", c.Kind),
			GUID:    c.GUID,
		}
	}
	if err != nil {
		return []Diagnostic{diag(err)}, nil
	}
	return nil, nil
}

func (e *Engine) applyUpsert(kind ir.ChangeKind, rec ir.RemoteRecord) *RuntimeError {
	if err := rec.Validate(); err != nil {
		re := NewMalformedError(rec.GUID, err)
		e.logger.Warn("incremental record dropped", "guid", rec.GUID, "reason", err)
		return re
	}

	if local, ok := e.reg.FindByGUID(rec.GUID); ok {
		if !rec.ModifiedAt.After(local.ModifiedAt) {
			e.logger.Debug("ignoring stale remote update", "guid", rec.GUID)
			return nil
		}
		if err := e.reg.Update(local.LocalID, fromRemote(local, rec)); err != nil {
			return collision(rec.GUID, err)
		}
		e.arrived(rec.GUID, local.LocalID)
		return nil
	}

	// An Update for a guid we do not hold was overtaken by a Delete.
	if kind == ir.ChangeUpdate {
		e.logger.Debug("ignoring update for unknown guid", "guid", rec.GUID)
		return nil
	}

	incoming := rec.Entry()
	if owner, ok := e.reg.FindOwner(incoming.LookupKey); ok {
		d := e.decide(owner, incoming)
		e.logger.Debug("key conflict",
			"key", incoming.LookupKey,
			"incumbent", owner.LocalID,
			"challenger", rec.GUID,
			"winner", d.Winner.String(),
			"loser", d.Loser.String(),
			"rule", d.Rule.String())

		if d.Loser == resolver.Evicted {
			// Evictions stay local: the remote is not told about either side.
			if !d.ChallengerWins() {
				e.logger.Info("incoming entry evicted", "guid", rec.GUID, "key", incoming.LookupKey, "owner", owner.LocalID)
				return nil
			}
			e.logger.Info("entry evicted", "local_id", owner.LocalID, "guid", owner.SyncGUID, "key", owner.LookupKey)
			e.reg.Remove(owner.LocalID)
			e.ledger.Forget(owner.SyncGUID)
			e.evicted(owner.SyncGUID, owner.LocalID)
		}
	}

	id, err := e.reg.Insert(incoming)
	if err != nil {
		return collision(rec.GUID, err)
	}
	e.arrived(rec.GUID, id)
	return nil
}

func (e *Engine) applyDelete(c ir.RemoteChange) *RuntimeError {
	local, ok := e.reg.FindByGUID(c.GUID)
	if !ok {
		e.logger.Debug("stale delete ignored", "code", ErrCodeStaleDelete, "guid", c.GUID, "reason", "unknown guid")
		return nil
	}
	// A delete that carries only a guid matches whatever holds it.
	if hasStructure(c.Record) && !ir.SameStructure(local, c.Record) {
		e.logger.Debug("stale delete ignored", "code", ErrCodeStaleDelete, "guid", c.GUID, "reason", "entry changed")
		return nil
	}
	if e.defaults.IsBound(local.LocalID) {
		re := NewProtectedError(local, "remote delete of the current default")
		e.logger.Warn("delete refused", "guid", c.GUID, "local_id", local.LocalID, "reason", re.Message)
		return re
	}
	if local.IsBaseline() {
		if err := e.reg.Shadow(local.LocalID); err != nil {
			e.logger.Error("demote baseline entry", "local_id", local.LocalID, "error", err)
		}
		e.logger.Info("baseline entry demoted", "guid", c.GUID, "local_id", local.LocalID)
		return nil
	}
	e.reg.Remove(local.LocalID)
	e.evicted(local.SyncGUID, local.LocalID)
	return nil
}

func (e *Engine) applyDefault(guid string) *RuntimeError {
	err := e.defaults.Submit(Request{Kind: RequestSelectGUID, GUID: guid})
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return &RuntimeError{Code: ErrCodeDefaultCycle, Message: err.Error(), GUID: guid}
}

func hasStructure(r ir.RemoteRecord) bool {
	return r.LookupKey != "" || r.URLTemplate != ""
}
