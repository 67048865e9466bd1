package engine

import (
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
)

// baselineIndex maps provenance ids to the local entries carrying them.
func (e *Engine) baselineIndex() map[int]ir.LocalID {
	idx := make(map[int]ir.LocalID)
	for entry := range e.reg.All() {
		if entry.IsBaseline() {
			if _, dup := idx[entry.ProvenanceID]; !dup {
				idx[entry.ProvenanceID] = entry.LocalID
			}
		}
	}
	return idx
}

// LoadBaseline materializes baseline entries whose provenance id is not yet
// present and returns the ids of the inserted entries.
//
// Every entry must have a non-zero ProvenanceID.
func (e *Engine) LoadBaseline(entries []ir.Entry) ([]ir.LocalID, error) {
	if err := checkBaseline(entries); err != nil {
		return nil, err
	}

	s := e.enter()
	defer e.leave(s, "baseline")

	have := e.baselineIndex()
	var added []ir.LocalID
	for _, b := range entries {
		if _, ok := have[b.ProvenanceID]; ok {
			continue
		}
		id, err := e.insertBaseline(b)
		if err != nil {
			return added, err
		}
		have[b.ProvenanceID] = id
		added = append(added, id)
	}
	e.logger.Info("baseline loaded", "entries", len(entries), "added", len(added))
	return added, nil
}

// RepairBaseline restores baseline entries to their baseline content.
//
// Existing members whose key, name, urls, replaceability or origin drifted,
// or that were demoted, are rewritten and stamped as modified now. Missing
// members are re-inserted. Returns the ids of all repaired or inserted
// entries. While syncing, repairs are pushed as Updates and inserts as
// Adds.
func (e *Engine) RepairBaseline(entries []ir.Entry) ([]ir.LocalID, error) {
	if err := checkBaseline(entries); err != nil {
		return nil, err
	}

	s := e.enter()
	defer e.leave(s, "repair")

	have := e.baselineIndex()
	var touched []ir.LocalID
	for _, b := range entries {
		id, ok := have[b.ProvenanceID]
		if !ok {
			id, err := e.insertBaseline(b)
			if err != nil {
				return touched, err
			}
			have[b.ProvenanceID] = id
			touched = append(touched, id)
			continue
		}

		cur, _ := e.reg.FindByLocalID(id)
		repaired := cur
		repaired.LookupKey = b.LookupKey
		repaired.ShortName = b.ShortName
		repaired.URLTemplate = b.URLTemplate
		repaired.SuggestURLTemplate = b.SuggestURLTemplate
		repaired.Replaceable = b.Replaceable
		repaired.Origin = b.Origin
		if sameBaselineContent(cur, repaired) && !e.reg.IsShadowed(id) {
			continue
		}
		repaired.ModifiedAt = e.now()
		if err := e.reg.Update(id, repaired); err != nil {
			return touched, fmt.Errorf("repair baseline %d: %w", b.ProvenanceID, err)
		}
		if e.canUpdate(repaired) {
			e.push(ir.UpdateChange(repaired))
		}
		touched = append(touched, id)
	}
	e.logger.Info("baseline repaired", "entries", len(entries), "touched", len(touched))
	return touched, nil
}

func (e *Engine) insertBaseline(b ir.Entry) (ir.LocalID, error) {
	b.LocalID = 0
	b.SyncGUID = ""
	now := e.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.ModifiedAt.IsZero() {
		b.ModifiedAt = now
	}
	push := e.canAdd(b)
	if push {
		b.SyncGUID = e.guids.Generate()
	}
	id, err := e.reg.Insert(b)
	if err != nil {
		return 0, fmt.Errorf("insert baseline %d: %w", b.ProvenanceID, err)
	}
	b.LocalID = id
	if push {
		e.push(ir.AddChange(b))
	}
	return id, nil
}

func checkBaseline(entries []ir.Entry) error {
	for i, b := range entries {
		if !b.IsBaseline() {
			return fmt.Errorf("baseline entry %d (%q): missing provenance id", i, b.LookupKey)
		}
		if err := validateLocal(b); err != nil {
			return fmt.Errorf("baseline entry %d: %w", i, err)
		}
	}
	return nil
}

func sameBaselineContent(a, b ir.Entry) bool {
	return a.LookupKey == b.LookupKey &&
		a.ShortName == b.ShortName &&
		a.URLTemplate == b.URLTemplate &&
		a.SuggestURLTemplate == b.SuggestURLTemplate &&
		a.Replaceable == b.Replaceable &&
		a.Origin == b.Origin
}
