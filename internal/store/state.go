package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
)

// Save replaces the persisted state with st in a single transaction.
func (s *Store) Save(ctx context.Context, st engine.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save state: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, table := range []string{"entries", "pre_sync_deletes", "ledger"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("save state: clear %s: %w", table, err)
		}
	}

	owners := idSet(st.Owners)
	shadowed := idSet(st.Shadowed)
	for _, e := range st.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entries
			(local_id, sync_guid, lookup_key, short_name, url_template, suggest_url_template,
			 created_at, modified_at, origin, seeks_default, replaceable, provenance_id,
			 owner, shadowed, digest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			int64(e.LocalID),
			e.SyncGUID,
			e.LookupKey,
			e.ShortName,
			e.URLTemplate,
			e.SuggestURLTemplate,
			e.CreatedAt.Unix(),
			e.ModifiedAt.Unix(),
			e.Origin.String(),
			e.SeeksDefault,
			e.Replaceable,
			e.ProvenanceID,
			owners[e.LocalID],
			shadowed[e.LocalID],
			ir.EntryDigest(e),
		)
		if err != nil {
			return fmt.Errorf("save entry %d: %w", e.LocalID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO engine_state (id, next_local_id, syncing, default_kind, default_guid, default_local_id)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			next_local_id = excluded.next_local_id,
			syncing = excluded.syncing,
			default_kind = excluded.default_kind,
			default_guid = excluded.default_guid,
			default_local_id = excluded.default_local_id
	`,
		int64(st.NextLocalID),
		st.Syncing,
		st.Default.Kind.String(),
		st.Default.GUID,
		int64(st.Default.LocalID),
	)
	if err != nil {
		return fmt.Errorf("save engine state: %w", err)
	}

	for _, guid := range st.PreSyncDeletes {
		if _, err := tx.ExecContext(ctx, "INSERT INTO pre_sync_deletes (sync_guid) VALUES (?)", guid); err != nil {
			return fmt.Errorf("save pre-sync delete %s: %w", guid, err)
		}
	}

	for _, r := range st.Ledger {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO ledger (sync_guid, digest, deleted) VALUES (?, ?, ?)",
			r.GUID, r.Digest, r.Deleted)
		if err != nil {
			return fmt.Errorf("save ledger %s: %w", r.GUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save state: commit: %w", err)
	}
	return nil
}

// Load reads the persisted state. A database that was never saved yields
// an empty state whose next local id is 1.
//
// Entries whose stored digest no longer matches their content are rejected.
func (s *Store) Load(ctx context.Context) (engine.State, error) {
	st := engine.State{NextLocalID: 1}

	var (
		next, defID   int64
		syncing       bool
		kind, defGUID string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT next_local_id, syncing, default_kind, default_guid, default_local_id
		FROM engine_state WHERE id = 1
	`).Scan(&next, &syncing, &kind, &defGUID, &defID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return st, nil
	case err != nil:
		return engine.State{}, fmt.Errorf("load engine state: %w", err)
	}

	defKind, err := engine.ParseDefaultKind(kind)
	if err != nil {
		return engine.State{}, fmt.Errorf("load engine state: %w", err)
	}
	st.NextLocalID = ir.LocalID(next)
	st.Syncing = syncing
	st.Default = engine.DefaultState{Kind: defKind, GUID: defGUID, LocalID: ir.LocalID(defID)}

	if err := s.loadEntries(ctx, &st); err != nil {
		return engine.State{}, err
	}

	st.PreSyncDeletes, err = s.loadStrings(ctx, "SELECT sync_guid FROM pre_sync_deletes ORDER BY sync_guid COLLATE BINARY ASC")
	if err != nil {
		return engine.State{}, fmt.Errorf("load pre-sync deletes: %w", err)
	}

	st.Ledger, err = s.loadLedger(ctx)
	if err != nil {
		return engine.State{}, err
	}
	return st, nil
}

func (s *Store) loadEntries(ctx context.Context, st *engine.State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, sync_guid, lookup_key, short_name, url_template, suggest_url_template,
		       created_at, modified_at, origin, seeks_default, replaceable, provenance_id,
		       owner, shadowed, digest
		FROM entries
		ORDER BY local_id ASC
	`)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                 ir.Entry
			id                int64
			created, modified int64
			origin, digest    string
			owner, shadowed   bool
		)
		err := rows.Scan(&id, &e.SyncGUID, &e.LookupKey, &e.ShortName, &e.URLTemplate,
			&e.SuggestURLTemplate, &created, &modified, &origin, &e.SeeksDefault,
			&e.Replaceable, &e.ProvenanceID, &owner, &shadowed, &digest)
		if err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		e.LocalID = ir.LocalID(id)
		e.CreatedAt = time.Unix(created, 0).UTC()
		e.ModifiedAt = time.Unix(modified, 0).UTC()
		if e.Origin, err = ir.ParseOrigin(origin); err != nil {
			return fmt.Errorf("entry %d: %w", id, err)
		}
		if got := ir.EntryDigest(e); got != digest {
			return fmt.Errorf("entry %d: digest mismatch (stored %s, computed %s)", id, digest, got)
		}

		st.Entries = append(st.Entries, e)
		if owner {
			st.Owners = append(st.Owners, e.LocalID)
		}
		if shadowed {
			st.Shadowed = append(st.Shadowed, e.LocalID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}
	return nil
}

func (s *Store) loadLedger(ctx context.Context) ([]engine.LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sync_guid, digest, deleted FROM ledger ORDER BY sync_guid COLLATE BINARY ASC")
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []engine.LedgerRecord
	for rows.Next() {
		var r engine.LedgerRecord
		if err := rows.Scan(&r.GUID, &r.Digest, &r.Deleted); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return out, nil
}

func (s *Store) loadStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func idSet(ids []ir.LocalID) map[ir.LocalID]bool {
	set := make(map[ir.LocalID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
