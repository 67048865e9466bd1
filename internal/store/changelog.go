package store

import (
	"context"
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
)

// LogRecord is one outgoing change as it was handed to the transport.
type LogRecord struct {
	Seq   int64
	Cause string
	Kind  string
	GUID  string
	// Body is the change in RFC 8785 canonical JSON.
	Body string
}

// AppendChanges writes changes to the change log under cause, in order.
func (s *Store) AppendChanges(ctx context.Context, cause string, changes []ir.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append changes: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, c := range changes {
		body, err := ir.MarshalCanonical(ir.ChangeObject(c))
		if err != nil {
			return fmt.Errorf("append changes: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO change_log (cause, kind, sync_guid, body) VALUES (?, ?, ?, ?)",
			cause, c.Kind.String(), c.GUID, string(body))
		if err != nil {
			return fmt.Errorf("append change %s %s: %w", c.Kind, c.GUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append changes: commit: %w", err)
	}
	return nil
}

// ReadChangeLog returns log records with seq greater than after, oldest
// first. Pass a guid to restrict the result to one entry.
func (s *Store) ReadChangeLog(ctx context.Context, after int64, guid string) ([]LogRecord, error) {
	query := `
		SELECT seq, cause, kind, sync_guid, body
		FROM change_log
		WHERE seq > ?`
	args := []any{after}
	if guid != "" {
		query += " AND sync_guid = ?"
		args = append(args, guid)
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	out := []LogRecord{}
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.Seq, &r.Cause, &r.Kind, &r.GUID, &r.Body); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return out, nil
}
