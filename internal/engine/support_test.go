package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kwsync/internal/ir"
)

// =============================================================================
// CycleDetector / TransitionBudget
// =============================================================================

func TestCycleDetector(t *testing.T) {
	c := NewCycleDetector()
	a := DefaultState{Kind: DefaultPending, GUID: "a"}
	b := DefaultState{Kind: DefaultBound, GUID: "b", LocalID: 2}

	assert.False(t, c.WouldCycle(a))
	c.Record(a)
	assert.True(t, c.WouldCycle(a))
	assert.False(t, c.WouldCycle(b))
	c.Record(b)
	assert.Equal(t, 2, c.Size())
}

func TestTransitionBudget(t *testing.T) {
	b := NewTransitionBudget(2)
	require.NoError(t, b.Check())
	require.NoError(t, b.Check())

	err := b.Check()
	require.Error(t, err)
	assert.True(t, IsTransitionOverflow(err))
	assert.Equal(t, 3, b.Current())
	assert.Equal(t, 2, b.Limit())

	var over *TransitionOverflowError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, ErrCodeTransitionOverflow, over.RuntimeError().Code)
}

func TestTransitionBudget_NonPositiveUsesDefault(t *testing.T) {
	assert.Equal(t, DefaultMaxTransitions, NewTransitionBudget(0).Limit())
	assert.Equal(t, DefaultMaxTransitions, NewTransitionBudget(-4).Limit())
}

// =============================================================================
// Errors
// =============================================================================

func TestRuntimeError_Helpers(t *testing.T) {
	malformed := NewMalformedError("g1", ir.ErrEmptyURLTemplate)
	wrapped := fmt.Errorf("merge: %w", malformed)

	assert.True(t, IsMalformed(wrapped))
	assert.False(t, IsCycleError(wrapped))
	assert.Contains(t, malformed.Error(), "MALFORMED_RECORD")

	assert.True(t, IsCycleError(NewCycleError(DefaultState{Kind: DefaultPending, GUID: "x"})))
	assert.True(t, IsNotSyncing(NewNotSyncingError("g")))
	assert.True(t, IsProtected(NewProtectedError(ir.Entry{LocalID: 3}, "baseline")))
	assert.False(t, IsProtected(errors.New("plain")))
}

func TestDiagnostic_String(t *testing.T) {
	d := diag(NewMalformedError("g1", ir.ErrEmptyLookupKey))
	assert.Equal(t, "g1", d.GUID)
	assert.Contains(t, d.String(), "g1")
}

// =============================================================================
// Bus
// =============================================================================

func TestBus_OrderAndCancel(t *testing.T) {
	b := NewBus()
	var order []string
	cancelA := b.Subscribe(func(Notification) { order = append(order, "a") })
	b.Subscribe(func(Notification) { order = append(order, "b") })

	n := b.Publish(Notification{Cause: "merge"})
	assert.Equal(t, uint64(1), n.Seq)
	assert.Equal(t, []string{"a", "b"}, order)

	cancelA()
	b.Publish(Notification{Cause: "apply"})
	assert.Equal(t, []string{"a", "b", "b"}, order)
	assert.Equal(t, uint64(2), b.Published())
}

func TestBus_CancelReleasesSlot(t *testing.T) {
	b := NewBus()
	keep := 0
	b.Subscribe(func(Notification) { keep++ })

	for range 100 {
		cancel := b.Subscribe(func(Notification) {})
		cancel()
		cancel()
	}
	assert.Len(t, b.observers, 1)

	b.Publish(Notification{})
	assert.Equal(t, 1, keep)
}

func TestBus_ChangedCoalesces(t *testing.T) {
	b := NewBus()
	b.Publish(Notification{})
	b.Publish(Notification{})

	select {
	case <-b.Changed():
	case <-time.After(time.Second):
		t.Fatal("expected a signal")
	}
	select {
	case <-b.Changed():
		t.Fatal("signals should coalesce")
	default:
	}
}

// =============================================================================
// Ledger / Emitter
// =============================================================================

func TestLedger(t *testing.T) {
	l := NewLedger()
	x := entry("g1", "k", "http://a", 1)

	l.Record(ir.UpdateChange(x))
	assert.True(t, l.Pushed(x))

	y := x
	y.URLTemplate = "http://b"
	assert.False(t, l.Pushed(y))

	l.Record(ir.DeleteChange("g2"))
	assert.True(t, l.Deleted("g2"))
	assert.False(t, l.Pushed(entry("g2", "k", "http://a", 1)))

	l.Record(ir.AddChange(entry("", "k", "http://a", 1)))
	assert.Len(t, l.Records(), 2)

	l.Prune(func(guid string) bool { return guid == "g2" })
	assert.Equal(t, []LedgerRecord{{GUID: "g2", Deleted: true}}, l.Records())

	l.Forget("g2")
	assert.Empty(t, l.Records())
}

func TestLedger_RestoreReplaces(t *testing.T) {
	l := NewLedger()
	l.Record(ir.DeleteChange("old"))
	l.Restore([]LedgerRecord{{GUID: "b", Digest: "d2"}, {GUID: "a", Digest: "d1"}})

	recs := l.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].GUID)
	assert.False(t, l.Deleted("old"))
}

func TestEmitter(t *testing.T) {
	var m Emitter
	m.Push(ir.DeleteChange("a"))
	m.Push(ir.DeleteChange("b"))
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"delete a", "delete b"}, kinds(m.Drain()))
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Drain())
}

// =============================================================================
// GUID generators / clock
// =============================================================================

func TestNewGUIDGenerator(t *testing.T) {
	g, err := NewGUIDGenerator("")
	require.NoError(t, err)
	v7, err := uuid.Parse(g.Generate())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), v7.Version())

	g, err = NewGUIDGenerator("uuidv4")
	require.NoError(t, err)
	v4, err := uuid.Parse(g.Generate())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), v4.Version())

	_, err = NewGUIDGenerator("snowflake")
	assert.Error(t, err)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("x", "y")
	assert.Equal(t, "x", g.Generate())
	assert.Equal(t, "y", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestEngineNow_TruncatesToSeconds(t *testing.T) {
	e := New(WithClock(fixedClock(time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC))))
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), e.now())
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }
