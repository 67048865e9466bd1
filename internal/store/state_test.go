package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
)

func TestLoad_EmptyDatabase(t *testing.T) {
	s := createTestStore(t)

	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.State{NextLocalID: 1}, st)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	baseline := createTestEntry(3, "g3", "wiki", "http://wiki/{q}", 30)
	baseline.ProvenanceID = 2
	baseline.Origin = ir.OriginPrepopulated
	ext := createTestEntry(4, "", "ext", "http://ext", 40)
	ext.Origin = ir.OriginExtension
	ext.SeeksDefault = true
	ext.Replaceable = false

	want := engine.State{
		NextLocalID: 6,
		Entries: []ir.Entry{
			createTestEntry(1, "g1", "k", "http://a", 10),
			createTestEntry(2, "g2", "k", "http://b", 5),
			baseline,
			ext,
		},
		Owners:         []ir.LocalID{1, 4},
		Shadowed:       []ir.LocalID{3},
		Default:        engine.DefaultState{Kind: engine.DefaultBound, GUID: "g1", LocalID: 1},
		Syncing:        true,
		PreSyncDeletes: []string{"gone-a", "gone-b"},
		Ledger: []engine.LedgerRecord{
			{GUID: "g1", Digest: ir.EntryDigest(createTestEntry(1, "g1", "k", "http://a", 10))},
			{GUID: "g9", Deleted: true},
		},
	}

	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSave_ReplacesPreviousState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := engine.State{
		NextLocalID:    3,
		Entries:        []ir.Entry{createTestEntry(1, "g1", "a", "http://a", 1), createTestEntry(2, "g2", "b", "http://b", 1)},
		Owners:         []ir.LocalID{1, 2},
		PreSyncDeletes: []string{"x"},
	}
	second := engine.State{
		NextLocalID: 4,
		Entries:     []ir.Entry{createTestEntry(3, "g3", "c", "http://c", 2)},
		Owners:      []ir.LocalID{3},
		Default:     engine.DefaultState{Kind: engine.DefaultPending, GUID: "g1"},
	}

	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, second))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSave_FailureKeepsPreviousState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	good := engine.State{
		NextLocalID: 2,
		Entries:     []ir.Entry{createTestEntry(1, "g1", "a", "http://a", 1)},
		Owners:      []ir.LocalID{1},
	}
	require.NoError(t, s.Save(ctx, good))

	// Two entries with the same guid violate the unique index.
	bad := engine.State{
		NextLocalID: 3,
		Entries: []ir.Entry{
			createTestEntry(1, "dup", "a", "http://a", 1),
			createTestEntry(2, "dup", "b", "http://b", 1),
		},
	}
	require.Error(t, s.Save(ctx, bad))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestLoad_DetectsTamperedEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, engine.State{
		NextLocalID: 2,
		Entries:     []ir.Entry{createTestEntry(1, "g1", "a", "http://a", 1)},
	}))
	_, err := s.db.Exec("UPDATE entries SET url_template = 'http://evil' WHERE local_id = 1")
	require.NoError(t, err)

	_, err = s.Load(ctx)
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestSaveLoad_RestoresEngine(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := engine.New()
	e.Merge([]ir.RemoteRecord{
		createTestEntry(0, "g1", "k", "http://a", 10).Record(),
		createTestEntry(0, "g2", "j", "http://b", 20).Record(),
	})
	require.NoError(t, e.SetDefaultGUID("g1"))

	require.NoError(t, s.Save(ctx, e.State()))
	st, err := s.Load(ctx)
	require.NoError(t, err)

	restored, err := engine.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, e.Default(), restored.Default())
	g1, _ := restored.FindByGUID("g1")
	assert.True(t, restored.IsOwner(g1.LocalID))
	assert.Empty(t, restored.Merge([]ir.RemoteRecord{
		createTestEntry(0, "g1", "k", "http://a", 10).Record(),
		createTestEntry(0, "g2", "j", "http://b", 20).Record(),
	}).Changes)
}
