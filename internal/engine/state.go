package engine

import (
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
)

// State is everything needed to rebuild an engine: the registry with its
// ownership, the default selection and the sync bookkeeping.
type State struct {
	NextLocalID    ir.LocalID
	Entries        []ir.Entry
	Owners         []ir.LocalID
	Shadowed       []ir.LocalID
	Default        DefaultState
	Syncing        bool
	PreSyncDeletes []string
	Ledger         []LedgerRecord
}

// State captures the engine's current state.
func (e *Engine) State() State {
	return State{
		NextLocalID:    e.reg.NextID(),
		Entries:        e.reg.Entries(),
		Owners:         e.reg.Owners(),
		Shadowed:       e.reg.Shadowed(),
		Default:        e.defaults.State(),
		Syncing:        e.syncing,
		PreSyncDeletes: e.PreSyncDeletes(),
		Ledger:         e.ledger.Records(),
	}
}

// Restore rebuilds an engine from a captured State. Local ids, ownership
// and the default selection are reproduced exactly; no notification is
// published.
func Restore(st State, opts ...EngineOption) (*Engine, error) {
	e := New(opts...)

	for _, entry := range st.Entries {
		if err := e.reg.Restore(entry); err != nil {
			return nil, fmt.Errorf("restore entry %d: %w", entry.LocalID, err)
		}
	}
	e.reg.Reserve(st.NextLocalID)
	for _, id := range st.Shadowed {
		if err := e.reg.Shadow(id); err != nil {
			return nil, fmt.Errorf("restore shadow: %w", err)
		}
	}
	for _, id := range st.Owners {
		if err := e.reg.Promote(id); err != nil {
			return nil, fmt.Errorf("restore owner: %w", err)
		}
	}

	def := st.Default
	if def.Kind == DefaultBound {
		if _, ok := e.reg.FindByLocalID(def.LocalID); !ok {
			e.logger.Warn("restored default missing", "local_id", def.LocalID)
			def = DefaultState{Kind: DefaultUnset}
			if st.Default.GUID != "" {
				def = DefaultState{Kind: DefaultPending, GUID: st.Default.GUID}
			}
		}
	}
	e.defaults.restore(def)

	e.syncing = st.Syncing
	for _, guid := range st.PreSyncDeletes {
		e.preSyncDeletes[guid] = struct{}{}
	}
	e.ledger.Restore(st.Ledger)
	return e, nil
}
