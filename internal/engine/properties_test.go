package engine

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kwsync/internal/ir"
)

// randomRecord draws from a small key and guid space so conflicts are common.
func randomRecord(r *rand.Rand) ir.RemoteRecord {
	x := rec(
		fmt.Sprintf("g%d", r.IntN(8)),
		fmt.Sprintf("k%d", r.IntN(3)),
		fmt.Sprintf("http://u%d", r.IntN(3)),
		int64(r.IntN(20)+1),
	)
	x.Replaceable = r.IntN(4) != 0
	return x
}

func randomChange(r *rand.Rand) ir.RemoteChange {
	switch r.IntN(5) {
	case 0:
		return ir.RemoteUpdate(randomRecord(r))
	case 1:
		return ir.RemoteDelete(ir.RemoteRecord{GUID: fmt.Sprintf("g%d", r.IntN(8))})
	case 2:
		return ir.RemoteDefault(fmt.Sprintf("g%d", r.IntN(8)))
	default:
		return ir.RemoteAdd(randomRecord(r))
	}
}

func checkInvariants(t *testing.T, e *Engine, baseline map[int]bool) {
	t.Helper()

	owned := map[string]ir.LocalID{}
	for _, id := range e.reg.Owners() {
		x, ok := e.FindByLocalID(id)
		require.True(t, ok, "owner %d must be live", id)
		key := ir.NormalizeKey(x.LookupKey)
		_, dup := owned[key]
		require.False(t, dup, "key %q has two owners", key)
		owned[key] = id
	}
	for _, x := range e.Entries() {
		owner, ok := e.FindOwner(x.LookupKey)
		if ok {
			assert.Equal(t, owned[ir.NormalizeKey(x.LookupKey)], owner.LocalID)
		}
	}

	have := map[int]bool{}
	for _, x := range e.Entries() {
		if x.IsBaseline() {
			have[x.ProvenanceID] = true
		}
	}
	for prov := range baseline {
		require.True(t, have[prov], "baseline member %d was removed", prov)
	}

	if s := e.Default(); s.Kind == DefaultBound {
		_, ok := e.FindByLocalID(s.LocalID)
		require.True(t, ok, "bound default must be live")
	}
}

func TestProperties_RandomSessions(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewPCG(seed, seed*7))
			e := newTestEngine(t)
			_, err := e.LoadBaseline(testBaseline())
			require.NoError(t, err)
			baseline := map[int]bool{1: true, 2: true}

			snapshot := make([]ir.RemoteRecord, r.IntN(6))
			for i := range snapshot {
				snapshot[i] = randomRecord(r)
			}
			e.Merge(snapshot)
			checkInvariants(t, e, baseline)

			for range 40 {
				_, err := e.ApplyOne(randomChange(r))
				require.NoError(t, err)
				checkInvariants(t, e, baseline)
			}
		})
	}
}

func TestProperties_MergeTwiceIsQuiet(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		r := rand.New(rand.NewPCG(seed, 99))
		e := newTestEngine(t)
		for i := range r.IntN(4) {
			mustAdd(t, e, entry("", fmt.Sprintf("k%d", i), fmt.Sprintf("http://l%d", i), int64(r.IntN(20)+1)))
		}
		snapshot := make([]ir.RemoteRecord, r.IntN(6))
		for i := range snapshot {
			snapshot[i] = randomRecord(r)
		}

		e.Merge(snapshot)
		assert.Empty(t, e.Merge(snapshot).Changes, "seed %d", seed)
	}
}
