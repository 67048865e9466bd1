package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/resolver"
)

func newRegistry() *Registry {
	return New(resolver.Prefer)
}

func mk(guid, key, url string, modified int64) ir.Entry {
	return ir.Entry{
		SyncGUID:    guid,
		LookupKey:   key,
		URLTemplate: url,
		CreatedAt:   time.Unix(modified, 0),
		ModifiedAt:  time.Unix(modified, 0),
		Replaceable: true,
	}
}

func TestInsert_AssignsDenseIDs(t *testing.T) {
	r := newRegistry()

	id1, err := r.Insert(mk("g1", "a", "http://a", 1))
	require.NoError(t, err)
	id2, err := r.Insert(mk("g2", "b", "http://b", 1))
	require.NoError(t, err)

	assert.Equal(t, ir.LocalID(1), id1)
	assert.Equal(t, ir.LocalID(2), id2)
	assert.Equal(t, 2, r.Len())

	e, ok := r.FindByLocalID(id2)
	require.True(t, ok)
	assert.Equal(t, id2, e.LocalID)
}

func TestInsert_IDsNeverReused(t *testing.T) {
	r := newRegistry()
	id1, _ := r.Insert(mk("g1", "a", "http://a", 1))
	r.Remove(id1)

	id2, err := r.Insert(mk("g1", "a", "http://a", 1))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, ok := r.FindByLocalID(id1)
	assert.False(t, ok)
}

func TestInsert_GUIDCollision(t *testing.T) {
	r := newRegistry()
	_, err := r.Insert(mk("g1", "a", "http://a", 1))
	require.NoError(t, err)

	_, err = r.Insert(mk("g1", "b", "http://b", 2))
	assert.True(t, errors.Is(err, ErrGUIDCollision))
	assert.Equal(t, 1, r.Len())
}

func TestInsert_EmptyKey(t *testing.T) {
	r := newRegistry()
	_, err := r.Insert(mk("g1", "  ", "http://a", 1))
	assert.True(t, errors.Is(err, ErrEmptyKey))
}

func TestOwnership_NewerChallengerTakesOver(t *testing.T) {
	r := newRegistry()
	old, _ := r.Insert(mk("g1", "k", "http://a", 10))
	newer, _ := r.Insert(mk("g2", "K", "http://b", 20))

	owner, ok := r.FindOwner("k")
	require.True(t, ok)
	assert.Equal(t, newer, owner.LocalID)
	assert.False(t, r.IsOwner(old))
	assert.Len(t, r.Carriers("k"), 2)
}

func TestOwnership_OlderChallengerDoesNot(t *testing.T) {
	r := newRegistry()
	first, _ := r.Insert(mk("g1", "k", "http://a", 20))
	_, _ = r.Insert(mk("g2", "k", "http://b", 10))

	owner, _ := r.FindOwner("k")
	assert.Equal(t, first, owner.LocalID)
}

func TestRemove_ElectsNextOwner(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 10))
	b, _ := r.Insert(mk("g2", "k", "http://b", 30))
	c, _ := r.Insert(mk("g3", "k", "http://c", 20))

	owner, _ := r.FindOwner("k")
	require.Equal(t, b, owner.LocalID)

	r.Remove(b)
	owner, _ = r.FindOwner("k")
	assert.Equal(t, c, owner.LocalID)

	r.Remove(c)
	owner, _ = r.FindOwner("k")
	assert.Equal(t, a, owner.LocalID)

	r.Remove(a)
	_, ok := r.FindOwner("k")
	assert.False(t, ok)
	assert.Empty(t, r.Carriers("k"))
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	r := newRegistry()
	before := r.Version()
	r.Remove(42)
	assert.Equal(t, before, r.Version())
}

func TestUpdate_Rekey(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 30))
	b, _ := r.Insert(mk("g2", "k", "http://b", 10))

	e, _ := r.FindByLocalID(a)
	e.LookupKey = "other"
	require.NoError(t, r.Update(a, e))

	owner, _ := r.FindOwner("k")
	assert.Equal(t, b, owner.LocalID)
	owner, _ = r.FindOwner("other")
	assert.Equal(t, a, owner.LocalID)
}

func TestUpdate_ChangesGUIDIndex(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("", "k", "http://a", 1))

	e, _ := r.FindByLocalID(a)
	e.SyncGUID = "fresh"
	require.NoError(t, r.Update(a, e))

	got, ok := r.FindByGUID("fresh")
	require.True(t, ok)
	assert.Equal(t, a, got.LocalID)
}

func TestUpdate_GUIDCollision(t *testing.T) {
	r := newRegistry()
	_, _ = r.Insert(mk("g1", "a", "http://a", 1))
	b, _ := r.Insert(mk("g2", "b", "http://b", 1))

	e, _ := r.FindByLocalID(b)
	e.SyncGUID = "g1"
	assert.True(t, errors.Is(r.Update(b, e), ErrGUIDCollision))
}

func TestUpdate_UnchangedKeepsVersion(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "a", "http://a", 1))
	e, _ := r.FindByLocalID(a)

	before := r.Version()
	require.NoError(t, r.Update(a, e))
	assert.Equal(t, before, r.Version())
}

func TestUpdate_NewerDemotedReclaimsOwnership(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 20))
	b, _ := r.Insert(mk("g2", "k", "http://b", 10))
	require.True(t, r.IsOwner(a))

	e, _ := r.FindByLocalID(b)
	e.ModifiedAt = time.Unix(30, 0)
	require.NoError(t, r.Update(b, e))
	assert.True(t, r.IsOwner(b))
}

func TestUpdate_NotFound(t *testing.T) {
	r := newRegistry()
	assert.True(t, errors.Is(r.Update(7, mk("", "k", "u", 1)), ErrNotFound))
}

func TestPromote(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 20))
	b, _ := r.Insert(mk("g2", "k", "http://b", 10))
	require.True(t, r.IsOwner(a))

	require.NoError(t, r.Promote(b))
	assert.True(t, r.IsOwner(b))
	assert.Equal(t, []ir.LocalID{b}, r.Owners())

	assert.True(t, errors.Is(r.Promote(99), ErrNotFound))
}

func TestRestore_PreservesIDs(t *testing.T) {
	r := newRegistry()
	e := mk("g5", "k", "http://a", 1)
	e.LocalID = 5
	require.NoError(t, r.Restore(e))

	got, ok := r.FindByGUID("g5")
	require.True(t, ok)
	assert.Equal(t, ir.LocalID(5), got.LocalID)

	next, err := r.Insert(mk("g6", "x", "http://x", 1))
	require.NoError(t, err)
	assert.Equal(t, ir.LocalID(6), next)

	assert.True(t, errors.Is(r.Restore(e), ErrIDInUse))
}

func TestAll_OrderedAndRestartable(t *testing.T) {
	r := newRegistry()
	for _, k := range []string{"c", "a", "b"} {
		_, _ = r.Insert(mk("", k, "http://"+k, 1))
	}

	collect := func() []string {
		var keys []string
		for e := range r.All() {
			keys = append(keys, e.LookupKey)
		}
		return keys
	}
	assert.Equal(t, []string{"c", "a", "b"}, collect())
	assert.Equal(t, collect(), collect())

	for range r.All() {
		break
	}
}

func TestUniqueOwnerPerKey(t *testing.T) {
	r := newRegistry()
	var ids []ir.LocalID
	for i := int64(0); i < 8; i++ {
		id, err := r.Insert(mk("", []string{"k", "K", " k "}[i%3], "http://x", i%4))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids[:4] {
		r.Remove(id)
		owners := 0
		for _, c := range r.Carriers("k") {
			if r.IsOwner(c.LocalID) {
				owners++
			}
		}
		assert.Equal(t, 1, owners)
	}
}

func TestShadow_SoleCarrierHasNoOwner(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 1))

	require.NoError(t, r.Shadow(a))
	_, ok := r.FindOwner("k")
	assert.False(t, ok)
	assert.True(t, r.IsShadowed(a))

	_, ok = r.FindByGUID("g1")
	assert.True(t, ok, "shadowed entries stay addressable")
}

func TestShadow_HandsOwnershipToNextCarrier(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 20))
	b, _ := r.Insert(mk("g2", "k", "http://b", 10))
	require.True(t, r.IsOwner(a))

	require.NoError(t, r.Shadow(a))
	assert.True(t, r.IsOwner(b))

	// A newer shadowed entry does not reclaim ownership through elections.
	r.Remove(b)
	_, ok := r.FindOwner("k")
	assert.False(t, ok)
}

func TestShadow_LiftedByContentChange(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 1))
	require.NoError(t, r.Shadow(a))

	e, _ := r.FindByLocalID(a)
	e.URLTemplate = "http://repaired"
	require.NoError(t, r.Update(a, e))

	assert.False(t, r.IsShadowed(a))
	assert.True(t, r.IsOwner(a))
}

func TestShadow_LiftedByPromote(t *testing.T) {
	r := newRegistry()
	a, _ := r.Insert(mk("g1", "k", "http://a", 1))
	require.NoError(t, r.Shadow(a))
	assert.Equal(t, []ir.LocalID{a}, r.Shadowed())

	require.NoError(t, r.Promote(a))
	assert.True(t, r.IsOwner(a))
	assert.Empty(t, r.Shadowed())
}

func TestReserve(t *testing.T) {
	r := newRegistry()
	r.Reserve(10)
	assert.Equal(t, ir.LocalID(10), r.NextID())

	id, err := r.Insert(mk("", "k", "http://a", 1))
	require.NoError(t, err)
	assert.Equal(t, ir.LocalID(10), id)

	r.Reserve(3)
	assert.Equal(t, ir.LocalID(11), r.NextID())
}
