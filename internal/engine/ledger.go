package engine

import (
	"maps"
	"slices"

	"github.com/roach88/kwsync/internal/ir"
)

// LedgerRecord is what the engine last pushed upstream for one guid.
type LedgerRecord struct {
	GUID string
	// Digest is ir.EntryDigest of the pushed entry; empty for deletes.
	Digest  string
	Deleted bool
}

// Ledger remembers the last change pushed per guid until the remote side is
// seen to catch up.
//
// Merge consults it so that re-merging a snapshot the remote has not yet
// updated does not re-emit changes already in flight: a pending Update with
// the same digest is skipped, and records whose guid was deleted are
// ignored.
type Ledger struct {
	records map[string]LedgerRecord
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]LedgerRecord)}
}

// Record notes a pushed change.
func (l *Ledger) Record(c ir.Change) {
	if c.GUID == "" {
		return
	}
	if c.Kind == ir.ChangeDelete {
		l.records[c.GUID] = LedgerRecord{GUID: c.GUID, Deleted: true}
		return
	}
	l.records[c.GUID] = LedgerRecord{GUID: c.GUID, Digest: ir.EntryDigest(c.Entry)}
}

// Pushed reports whether exactly this entry content is already in flight.
func (l *Ledger) Pushed(e ir.Entry) bool {
	rec, ok := l.records[e.SyncGUID]
	return ok && !rec.Deleted && rec.Digest == ir.EntryDigest(e)
}

// Deleted reports whether a delete for guid is in flight.
func (l *Ledger) Deleted(guid string) bool {
	return l.records[guid].Deleted
}

// Forget drops any record for guid.
func (l *Ledger) Forget(guid string) {
	delete(l.records, guid)
}

// Prune keeps only records whose guid satisfies keep.
func (l *Ledger) Prune(keep func(guid string) bool) {
	maps.DeleteFunc(l.records, func(guid string, _ LedgerRecord) bool {
		return !keep(guid)
	})
}

// Reset forgets everything.
func (l *Ledger) Reset() {
	clear(l.records)
}

// Records returns all records sorted by guid.
func (l *Ledger) Records() []LedgerRecord {
	out := make([]LedgerRecord, 0, len(l.records))
	for _, guid := range slices.Sorted(maps.Keys(l.records)) {
		out = append(out, l.records[guid])
	}
	return out
}

// Restore replaces the ledger contents.
func (l *Ledger) Restore(records []LedgerRecord) {
	l.Reset()
	for _, r := range records {
		l.records[r.GUID] = r
	}
}
