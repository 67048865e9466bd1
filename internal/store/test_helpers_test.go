package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/kwsync/internal/ir"
)

// createTestStore creates a new on-disk store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry creates an entry with UTC timestamps so it survives a
// round trip unchanged.
func createTestEntry(id ir.LocalID, guid, key, url string, modified int64) ir.Entry {
	return ir.Entry{
		LocalID:     id,
		SyncGUID:    guid,
		LookupKey:   key,
		URLTemplate: url,
		CreatedAt:   time.Unix(modified, 0).UTC(),
		ModifiedAt:  time.Unix(modified, 0).UTC(),
		Origin:      ir.OriginUser,
		Replaceable: true,
	}
}
