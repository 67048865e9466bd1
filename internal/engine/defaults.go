package engine

import (
	"fmt"
	"log/slog"

	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/registry"
)

// DefaultKind is the shape of the default selection.
type DefaultKind int

const (
	// DefaultUnset means no default is selected.
	DefaultUnset DefaultKind = iota
	// DefaultPending means a default was named by guid but no entry with
	// that guid exists yet.
	DefaultPending
	// DefaultBound means the default refers to a live entry.
	DefaultBound
)

var defaultKindNames = map[DefaultKind]string{
	DefaultUnset:   "unset",
	DefaultPending: "pending",
	DefaultBound:   "bound",
}

func (k DefaultKind) String() string {
	if name, ok := defaultKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("default(%d)", int(k))
}

// ParseDefaultKind converts a lowercase name back to a DefaultKind.
func ParseDefaultKind(s string) (DefaultKind, error) {
	for k, name := range defaultKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown default kind %q", s)
}

// DefaultState is the default selection. GUID is set for Pending and, when
// the bound entry has one, for Bound. LocalID is set only for Bound.
type DefaultState struct {
	Kind    DefaultKind
	GUID    string
	LocalID ir.LocalID
}

func (s DefaultState) String() string {
	switch s.Kind {
	case DefaultPending:
		return fmt.Sprintf("pending(%s)", s.GUID)
	case DefaultBound:
		return fmt.Sprintf("bound(%d)", s.LocalID)
	default:
		return s.Kind.String()
	}
}

func sameDefault(a, b DefaultState) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case DefaultBound:
		return a.LocalID == b.LocalID
	case DefaultPending:
		return a.GUID == b.GUID
	default:
		return true
	}
}

// DefaultPublisher is told about every newly bound default. It may call
// back into the engine synchronously; requests made during a transition run
// are queued and folded into the run.
type DefaultPublisher interface {
	PublishDefault(guid string, id ir.LocalID)
}

// PublisherFunc adapts a function to DefaultPublisher.
type PublisherFunc func(guid string, id ir.LocalID)

// PublishDefault calls f.
func (f PublisherFunc) PublishDefault(guid string, id ir.LocalID) {
	f(guid, id)
}

// RequestKind identifies a default-selection request.
type RequestKind int

const (
	// RequestSelectGUID names the default by sync guid.
	RequestSelectGUID RequestKind = iota + 1
	// RequestClear unsets the default.
	RequestClear
	// RequestBind names the default by local id.
	RequestBind
	// RequestArrived reports that an entry with GUID now lives at LocalID.
	RequestArrived
	// RequestEvicted reports that the entry at LocalID, last known by GUID,
	// left the registry.
	RequestEvicted
)

// Request is one input to the default-selection state machine.
type Request struct {
	Kind    RequestKind
	GUID    string
	LocalID ir.LocalID
}

type phase int

const (
	phaseIdle phase = iota
	phaseTransitioning
)

// DefaultManager tracks which entry is the default.
//
// Requests are processed in runs. A run starts when a request arrives while
// the manager is idle and lasts until its queue is empty. Requests that
// arrive during a run (from a DefaultPublisher, or from the engine while it
// resolves ownership for a new default) are appended to the queue. Each
// drain of the queue folds all queued requests into a single terminal
// target before anything is applied, so a burst of requests yields one
// transition and one publish.
//
// Binding an entry promotes it to owner of its lookup key unless a policy
// entry owns that key. This happens before the run ends, so the engine's
// single notification for the call already reflects the resolved state.
//
// A run that reaches the same target twice, or exceeds its transition
// budget, is stopped and the default is left Unset.
//
// RequestEvicted moves a Bound default back to Pending on its last known
// guid. The Engine never submits it for the bound entry today: resolution
// never lets a bound entry lose its key to anything but a policy entry,
// and a policy winner only demotes, while remote deletes and local removes
// of the default are refused. Every eviction still reports to the manager
// through Engine.evicted, which ignores entries that are not bound, so the
// transition is only exercised by the manager's own tests.
type DefaultManager struct {
	reg       *registry.Registry
	logger    *slog.Logger
	publisher DefaultPublisher
	budget    int

	state DefaultState
	phase phase
	queue []Request

	runs        int
	transitions int
}

func newDefaultManager(reg *registry.Registry, logger *slog.Logger, budget int) *DefaultManager {
	return &DefaultManager{reg: reg, logger: logger, budget: budget}
}

// State returns the current selection. For Bound, GUID reflects the bound
// entry's current sync guid.
func (m *DefaultManager) State() DefaultState {
	s := m.state
	if s.Kind == DefaultBound {
		if e, ok := m.reg.FindByLocalID(s.LocalID); ok {
			s.GUID = e.SyncGUID
		}
	}
	return s
}

// IsBound reports whether id is the bound default.
func (m *DefaultManager) IsBound(id ir.LocalID) bool {
	return id != 0 && m.state.Kind == DefaultBound && m.state.LocalID == id
}

// Runs returns the number of transition runs started so far.
func (m *DefaultManager) Runs() int {
	return m.runs
}

// Transitions returns the number of transitions applied so far.
func (m *DefaultManager) Transitions() int {
	return m.transitions
}

// Submit feeds r to the state machine. If a run is already in progress, r
// is queued and Submit returns nil immediately. Otherwise Submit runs until
// the queue drains and returns a cycle or overflow error if the run had to
// be stopped.
func (m *DefaultManager) Submit(r Request) error {
	m.queue = append(m.queue, r)
	if m.phase == phaseTransitioning {
		return nil
	}

	m.phase = phaseTransitioning
	defer func() { m.phase = phaseIdle }()
	m.runs++

	cycles := NewCycleDetector()
	budget := NewTransitionBudget(m.budget)
	for len(m.queue) > 0 {
		batch := m.queue
		m.queue = nil

		next := m.state
		for _, req := range batch {
			if t, ok := m.target(next, req); ok {
				next = t
			}
		}
		if sameDefault(next, m.state) {
			continue
		}

		if cycles.WouldCycle(next) {
			m.abort()
			m.logger.Warn("default selection cycle", "target", next.String())
			return NewCycleError(next)
		}
		if err := budget.Check(); err != nil {
			m.abort()
			m.logger.Warn("default selection overflow", "error", err)
			return err.(*TransitionOverflowError).RuntimeError()
		}
		cycles.Record(next)
		m.apply(next)
	}
	return nil
}

func (m *DefaultManager) abort() {
	m.queue = nil
	m.state = DefaultState{Kind: DefaultUnset}
}

// target computes the state r leads to from cur. ok is false when r does
// not apply to cur.
func (m *DefaultManager) target(cur DefaultState, r Request) (DefaultState, bool) {
	switch r.Kind {
	case RequestSelectGUID:
		if r.GUID == "" {
			return DefaultState{Kind: DefaultUnset}, true
		}
		if e, ok := m.reg.FindByGUID(r.GUID); ok {
			return DefaultState{Kind: DefaultBound, GUID: r.GUID, LocalID: e.LocalID}, true
		}
		return DefaultState{Kind: DefaultPending, GUID: r.GUID}, true

	case RequestClear:
		return DefaultState{Kind: DefaultUnset}, true

	case RequestBind:
		e, ok := m.reg.FindByLocalID(r.LocalID)
		if !ok {
			m.logger.Warn("default bind to missing entry", "local_id", r.LocalID)
			return cur, false
		}
		return DefaultState{Kind: DefaultBound, GUID: e.SyncGUID, LocalID: e.LocalID}, true

	case RequestArrived:
		if cur.Kind == DefaultPending && cur.GUID == r.GUID {
			return DefaultState{Kind: DefaultBound, GUID: r.GUID, LocalID: r.LocalID}, true
		}
		return cur, false

	case RequestEvicted:
		if cur.Kind != DefaultBound || cur.LocalID != r.LocalID {
			return cur, false
		}
		guid := r.GUID
		if guid == "" {
			guid = cur.GUID
		}
		if guid == "" {
			return DefaultState{Kind: DefaultUnset}, true
		}
		return DefaultState{Kind: DefaultPending, GUID: guid}, true
	}
	return cur, false
}

func (m *DefaultManager) apply(next DefaultState) {
	m.logger.Debug("default transition", "from", m.state.String(), "to", next.String())
	m.state = next
	m.transitions++
	if next.Kind != DefaultBound {
		return
	}
	m.claim(next.LocalID)
	if m.publisher != nil {
		m.publisher.PublishDefault(next.GUID, next.LocalID)
	}
}

// claim makes the bound entry the owner of its key unless a policy entry
// holds it.
func (m *DefaultManager) claim(id ir.LocalID) {
	e, ok := m.reg.FindByLocalID(id)
	if !ok {
		return
	}
	if owner, ok := m.reg.FindOwner(e.LookupKey); ok && owner.LocalID != id && owner.Origin == ir.OriginPolicy {
		m.logger.Debug("default shadowed by policy entry", "local_id", id, "policy_id", owner.LocalID)
		return
	}
	if err := m.reg.Promote(id); err != nil {
		m.logger.Error("promote default", "local_id", id, "error", err)
	}
}

// restore installs s without running transitions.
func (m *DefaultManager) restore(s DefaultState) {
	m.state = s
}
