package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kwsync/internal/ir"
)

func TestMerge_EmptyRegistryEmptySnapshot(t *testing.T) {
	e := newTestEngine(t)
	got := record(e)

	res := e.Merge(nil)

	assert.Empty(t, res.Changes)
	assert.Empty(t, res.Affected)
	assert.Equal(t, 0, e.Len())
	assert.True(t, e.Syncing())
	assert.Empty(t, *got)
}

func TestMerge_LocalOnlyEntryIsAdded(t *testing.T) {
	e := newTestEngine(t)
	id := mustAdd(t, e, entry("", "k1", "http://a", 10))

	res := e.Merge(nil)

	require.Len(t, res.Changes, 1)
	c := res.Changes[0]
	assert.Equal(t, ir.ChangeAdd, c.Kind)
	assert.Equal(t, "local-1", c.GUID)
	assert.Equal(t, "k1", c.Entry.LookupKey)
	assert.Equal(t, time.Unix(10, 0), c.Entry.ModifiedAt)

	got, ok := e.FindByLocalID(id)
	require.True(t, ok)
	assert.Equal(t, "local-1", got.SyncGUID)
	assert.Equal(t, 1, e.Len())
}

func TestMerge_NewerRemoteEvictsReplaceableOwner(t *testing.T) {
	e := newTestEngine(t)
	old := mustAdd(t, e, entry("g1", "k", "http://a", 10))

	res := e.Merge([]ir.RemoteRecord{rec("g2", "k", "http://b", 20)})

	assert.Equal(t, []string{"delete g1"}, kinds(res.Changes))
	_, ok := e.FindByGUID("g1")
	assert.False(t, ok)

	owner, ok := e.FindOwner("k")
	require.True(t, ok)
	assert.Equal(t, "g2", owner.SyncGUID)
	assert.Equal(t, []ir.LocalID{old, owner.LocalID}, res.Affected)
}

func TestMerge_NewerRemoteDemotesBaselineOwner(t *testing.T) {
	e := newTestEngine(t)
	id := mustAdd(t, e, baselineEntry("g1", "k", "http://a", 10, 1))

	res := e.Merge([]ir.RemoteRecord{rec("g2", "k", "http://b", 20)})

	assert.Empty(t, res.Changes)
	_, ok := e.FindByGUID("g1")
	assert.True(t, ok, "baseline entries are never removed")
	assert.False(t, e.IsOwner(id))

	owner, _ := e.FindOwner("k")
	assert.Equal(t, "g2", owner.SyncGUID)
}

func TestMerge_OlderRemoteLosesAndIsDeleted(t *testing.T) {
	e := newTestEngine(t)
	mustAdd(t, e, entry("g1", "k", "http://a", 20))

	res := e.Merge([]ir.RemoteRecord{rec("g2", "k", "http://b", 10)})

	assert.Equal(t, []string{"delete g2"}, kinds(res.Changes))
	_, ok := e.FindByGUID("g2")
	assert.False(t, ok)
}

func TestMerge_NonReplaceableChallengerWins(t *testing.T) {
	e := newTestEngine(t)
	mustAdd(t, e, entry("g1", "k", "http://a", 20))

	r := rec("g2", "k", "http://b", 10)
	r.Replaceable = false
	res := e.Merge([]ir.RemoteRecord{r})

	// Non-replaceable challenger wins ownership; the replaceable incumbent
	// is evicted.
	assert.Equal(t, []string{"delete g1"}, kinds(res.Changes))
	owner, _ := e.FindOwner("k")
	assert.Equal(t, "g2", owner.SyncGUID)
}

func TestMerge_Idempotent(t *testing.T) {
	e := newTestEngine(t)
	mustAdd(t, e, entry("g-a", "a", "http://a", 50))
	mustAdd(t, e, entry("", "b", "http://b", 5))
	mustAdd(t, e, entry("g-c", "c", "http://c", 10))

	snapshot := []ir.RemoteRecord{
		rec("g-a", "a", "http://a", 40),
		rec("g-bad", "", "http://bad", 1),
		rec("g-c2", "c", "http://c2", 20),
		rec("g-c2", "c", "http://dup", 30),
	}

	first := e.Merge(snapshot)
	assert.Equal(t, []string{"delete g-bad", "delete g-c2", "update g-a", "add local-1"}, kinds(first.Changes))
	_, ok := e.FindByGUID("g-c")
	assert.True(t, ok, "a dropped duplicate does not contest the key")
	require.Len(t, first.Diagnostics, 2)
	assert.True(t, IsMalformed(first.Diagnostics[0].Err))
	assert.Equal(t, "g-c2", first.Diagnostics[1].GUID)

	got := record(e)
	second := e.Merge(snapshot)
	assert.Empty(t, second.Changes)
	assert.Empty(t, *got, "second merge changes nothing")
}

func TestMerge_MalformedWithoutGUIDProducesNoChange(t *testing.T) {
	e := newTestEngine(t)
	res := e.Merge([]ir.RemoteRecord{rec("", "k", "http://a", 1)})

	assert.Empty(t, res.Changes)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, ErrCodeMalformedRecord, res.Diagnostics[0].Err.Code)
}

func TestMerge_DuplicateGUIDIsDeleted(t *testing.T) {
	e := newTestEngine(t)
	res := e.Merge([]ir.RemoteRecord{
		rec("g1", "k", "http://first", 1),
		rec("g2", "j", "http://j", 1),
		rec("g1", "k", "http://second", 2),
	})

	assert.Equal(t, []string{"delete g1"}, kinds(res.Changes))
	require.Len(t, res.Diagnostics, 1)
	assert.True(t, IsMalformed(res.Diagnostics[0].Err))
	assert.Equal(t, "g1", res.Diagnostics[0].GUID)

	_, ok := e.FindByGUID("g1")
	assert.False(t, ok, "no copy of a duplicated guid is kept")
	_, ok = e.FindByGUID("g2")
	assert.True(t, ok)

	again := e.Merge([]ir.RemoteRecord{
		rec("g1", "k", "http://first", 1),
		rec("g2", "j", "http://j", 1),
		rec("g1", "k", "http://second", 2),
	})
	assert.Empty(t, again.Changes, "delete already in flight")
}

func TestMerge_UntouchedByOmission(t *testing.T) {
	e := newTestEngine(t)
	mustAdd(t, e, entry("g1", "k", "http://a", 1))

	res := e.Merge(nil)
	assert.Empty(t, res.Changes)
	_, ok := e.FindByGUID("g1")
	assert.True(t, ok)
}

func TestMerge_UpdateInPlace(t *testing.T) {
	tests := []struct {
		name    string
		local   int64
		remote  int64
		url     string
		changes []string
		wantURL string
	}{
		{"remote newer overwrites", 10, 20, "http://new", nil, "http://new"},
		{"local newer pushes update", 20, 10, "http://new", []string{"update g1"}, "http://old"},
		{"equal and identical is quiet", 10, 10, "http://old", nil, "http://old"},
		{"equal but different pushes update", 10, 10, "http://new", []string{"update g1"}, "http://old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			mustAdd(t, e, entry("g1", "k", "http://old", tt.local))

			res := e.Merge([]ir.RemoteRecord{rec("g1", "k", tt.url, tt.remote)})
			if tt.changes == nil {
				assert.Empty(t, res.Changes)
			} else {
				assert.Equal(t, tt.changes, kinds(res.Changes))
			}
			got, _ := e.FindByGUID("g1")
			assert.Equal(t, tt.wantURL, got.URLTemplate)
		})
	}
}

func TestMerge_RemoteRenameOfBaselineKeepsProvenance(t *testing.T) {
	e := newTestEngine(t)
	id := mustAdd(t, e, baselineEntry("g1", "k", "http://a", 10, 3))

	e.Merge([]ir.RemoteRecord{rec("g1", "renamed", "http://edited", 20)})

	got, _ := e.FindByLocalID(id)
	assert.Equal(t, "renamed", got.LookupKey)
	assert.Equal(t, "http://edited", got.URLTemplate)
	assert.Equal(t, 3, got.ProvenanceID)
	assert.Equal(t, ir.OriginPrepopulated, got.Origin)
}

func TestMerge_InFlightUpdateNotRepeated(t *testing.T) {
	e := newTestEngine(t)
	id := mustAdd(t, e, entry("g1", "k", "http://local", 20))
	snapshot := []ir.RemoteRecord{rec("g1", "k", "http://remote", 10)}

	assert.Len(t, e.Merge(snapshot).Changes, 1)
	assert.Empty(t, e.Merge(snapshot).Changes)

	// A local edit pushed through the emitter is in flight as well.
	require.NoError(t, e.Update(id, func(en *ir.Entry) { en.URLTemplate = "http://again" }))
	assert.Len(t, e.DrainChanges(), 1)
	assert.Empty(t, e.Merge(snapshot).Changes)

	// A new session starts without in-flight state.
	e.StopSyncing()
	assert.Equal(t, []string{"update g1"}, kinds(e.Merge(snapshot).Changes))
}

func TestMerge_PreSyncDeletes(t *testing.T) {
	e := newTestEngine(t)
	id := mustAdd(t, e, entry("g1", "k", "http://a", 1))
	require.NoError(t, e.Remove(id))
	assert.Equal(t, []string{"g1"}, e.PreSyncDeletes())

	res := e.Merge([]ir.RemoteRecord{
		rec("g1", "k", "http://a", 1),
		rec("g2", "other", "http://b", 1),
	})

	assert.Equal(t, []string{"delete g1"}, kinds(res.Changes))
	_, ok := e.FindByGUID("g1")
	assert.False(t, ok)
	_, ok = e.FindByGUID("g2")
	assert.True(t, ok)
	assert.Empty(t, e.PreSyncDeletes())
}

func TestMerge_PreSyncDeleteOfUnknownGUIDIsPruned(t *testing.T) {
	e := newTestEngine(t)
	id := mustAdd(t, e, entry("g1", "k", "http://a", 1))
	require.NoError(t, e.Remove(id))

	res := e.Merge(nil)
	assert.Empty(t, res.Changes)
	assert.Empty(t, e.PreSyncDeletes())
}

func TestMerge_StructuralDuplicateAdoptsGUID(t *testing.T) {
	t.Run("remote newer", func(t *testing.T) {
		e := newTestEngine(t)
		id := mustAdd(t, e, entry("", "k", "http://a", 10))

		res := e.Merge([]ir.RemoteRecord{rec("g1", "K", "http://a", 20)})

		assert.Empty(t, res.Changes)
		assert.Equal(t, 1, e.Len())
		got, _ := e.FindByLocalID(id)
		assert.Equal(t, "g1", got.SyncGUID)
		assert.Equal(t, "K", got.LookupKey)
	})

	t.Run("local newer", func(t *testing.T) {
		e := newTestEngine(t)
		id := mustAdd(t, e, entry("", "k", "http://a", 10))

		res := e.Merge([]ir.RemoteRecord{rec("g1", "k", "http://a", 5)})

		assert.Equal(t, []string{"update g1"}, kinds(res.Changes))
		got, _ := e.FindByLocalID(id)
		assert.Equal(t, "g1", got.SyncGUID)
		assert.Equal(t, time.Unix(10, 0), got.ModifiedAt)
	})
}

func TestMerge_DifferentURLIsNotADuplicate(t *testing.T) {
	e := newTestEngine(t)
	mustAdd(t, e, entry("", "k", "http://a", 10))

	res := e.Merge([]ir.RemoteRecord{rec("g1", "k", "http://b", 20)})

	// The local-only entry is evicted before it was ever pushed.
	assert.Empty(t, res.Changes)
	assert.Equal(t, 1, e.Len())
	owner, _ := e.FindOwner("k")
	assert.Equal(t, "g1", owner.SyncGUID)
}

func TestMerge_DeviceLocalOriginsNotPushed(t *testing.T) {
	e := newTestEngine(t)
	p := entry("", "corp", "http://corp", 1)
	p.Origin = ir.OriginPolicy
	x := entry("", "ext", "http://ext", 1)
	x.Origin = ir.OriginExtension
	mustAdd(t, e, p)
	mustAdd(t, e, x)

	assert.Empty(t, e.Merge(nil).Changes)
}

func TestMerge_EmitBaselineDisabled(t *testing.T) {
	e := newTestEngine(t, WithEmitBaseline(false))
	mustAdd(t, e, baselineEntry("", "k", "http://a", 1, 1))
	mustAdd(t, e, entry("", "u", "http://u", 1))

	res := e.Merge(nil)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "u", res.Changes[0].Entry.LookupKey)
}

func TestMerge_PolicyOwnerKeepsKeyAndChallengerPersists(t *testing.T) {
	e := newTestEngine(t)
	p := entry("", "k", "http://corp", 1)
	p.Origin = ir.OriginPolicy
	pid := mustAdd(t, e, p)

	res := e.Merge([]ir.RemoteRecord{rec("g1", "k", "http://b", 100)})

	assert.Empty(t, res.Changes)
	assert.True(t, e.IsOwner(pid))
	_, ok := e.FindByGUID("g1")
	assert.True(t, ok)
}

func TestMerge_ProcessingOrderIsByGUID(t *testing.T) {
	e := newTestEngine(t)
	res := e.Merge([]ir.RemoteRecord{
		rec("g3", "k", "http://c", 30),
		rec("g1", "k", "http://a", 10),
		rec("g2", "k", "http://b", 20),
	})

	// g1 inserted, g2 evicts g1, g3 evicts g2.
	assert.Equal(t, []string{"delete g1", "delete g2"}, kinds(res.Changes))
	owner, _ := e.FindOwner("k")
	assert.Equal(t, "g3", owner.SyncGUID)
}

func TestMerge_KnownAndNewGUIDsShareOneOrder(t *testing.T) {
	e := newTestEngine(t)
	e.Merge([]ir.RemoteRecord{rec("g2", "a", "http://b", 10)})

	// g1 is inserted first. The rename of g2 then meets a newer owner and
	// g2 stays without ownership instead of being evicted.
	res := e.Merge([]ir.RemoteRecord{
		rec("g2", "k", "http://b", 20),
		rec("g1", "k", "http://a", 30),
	})

	assert.Empty(t, res.Changes)
	owner, ok := e.FindOwner("k")
	require.True(t, ok)
	assert.Equal(t, "g1", owner.SyncGUID)
	renamed, ok := e.FindByGUID("g2")
	require.True(t, ok)
	assert.Equal(t, "k", renamed.LookupKey)
	assert.Equal(t, 2, e.Len())
}

func TestMerge_OwnerEvictedEarlierInPassIsNotReinserted(t *testing.T) {
	e := newTestEngine(t)
	e.Merge([]ir.RemoteRecord{rec("g2", "k", "http://b", 10)})

	res := e.Merge([]ir.RemoteRecord{
		rec("g2", "k", "http://b", 10),
		rec("g1", "k", "http://a", 30),
	})

	assert.Equal(t, []string{"delete g2"}, kinds(res.Changes))
	_, ok := e.FindByGUID("g2")
	assert.False(t, ok)
	owner, _ := e.FindOwner("k")
	assert.Equal(t, "g1", owner.SyncGUID)
}
