package engine

import (
	"log/slog"
	"slices"

	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/registry"
	"github.com/roach88/kwsync/internal/resolver"
)

// Engine owns one registry together with its default selection, outgoing
// change emitter, upstream ledger and notification bus.
//
// CRITICAL: Engine is single-writer. Every public method runs to completion
// without blocking and must not be called concurrently with another. The
// only re-entry allowed is from a DefaultPublisher or an Observer, both of
// which are invoked synchronously on the calling goroutine.
//
// INVARIANTS:
//   - At most one owner per normalized lookup key (registry)
//   - No two live entries share a sync guid (registry)
//   - Baseline entries are never removed by sync input
//   - The default refers to zero or one entry
//   - One notification per public call that changed something
type Engine struct {
	reg      *registry.Registry
	defaults *DefaultManager
	emitter  *Emitter
	ledger   *Ledger
	bus      *Bus

	clock        Clock
	guids        GUIDGenerator
	logger       *slog.Logger
	emitBaseline bool

	syncing        bool
	preSyncDeletes map[string]struct{}

	// depth counts nested public calls; only the outermost publishes.
	depth int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithMaxTransitions sets the transition budget for one default-selection
// run.
//
// Default: 16 transitions (DefaultMaxTransitions)
// Use WithMaxTransitions(2) for testing overflow handling.
func WithMaxTransitions(n int) EngineOption {
	return func(e *Engine) {
		e.defaults.budget = n
	}
}

// WithClock sets the clock used to stamp local edits.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithGUIDGenerator sets the generator for new sync guids.
func WithGUIDGenerator(g GUIDGenerator) EngineOption {
	return func(e *Engine) {
		e.guids = g
	}
}

// WithPublisher registers the collaborator told about newly bound defaults.
func WithPublisher(p DefaultPublisher) EngineOption {
	return func(e *Engine) {
		e.defaults.publisher = p
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
		e.defaults.logger = l
	}
}

// WithEmitBaseline controls whether never-synced baseline entries are
// pushed upstream by Merge. Default: true.
func WithEmitBaseline(emit bool) EngineOption {
	return func(e *Engine) {
		e.emitBaseline = emit
	}
}

// New creates an engine with an empty registry.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		emitter:        &Emitter{},
		ledger:         NewLedger(),
		bus:            NewBus(),
		clock:          SystemClock{},
		guids:          UUIDv7Generator{},
		logger:         slog.Default(),
		emitBaseline:   true,
		preSyncDeletes: make(map[string]struct{}),
	}
	e.reg = registry.New(e.prefer)
	e.defaults = newDefaultManager(e.reg, e.logger, DefaultMaxTransitions)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// decide resolves a contest between the owner of a key and a challenger.
//
// The bound default keeps its key against everything but policy entries,
// and policy winners only demote.
func (e *Engine) decide(incumbent, challenger ir.Entry) resolver.Decision {
	d := resolver.Resolve(incumbent, challenger)
	if e.defaults.IsBound(incumbent.LocalID) && d.ChallengerWins() && challenger.Origin != ir.OriginPolicy {
		return resolver.Decision{Winner: resolver.Incumbent, Loser: resolver.Demoted, Rule: resolver.RuleDefault}
	}
	return d
}

// prefer is the registry owner policy.
func (e *Engine) prefer(incumbent, challenger ir.Entry) bool {
	return e.decide(incumbent, challenger).ChallengerWins()
}

// scope brackets a public call. The outermost scope publishes one
// notification if the registry or the default selection changed.
type scope struct {
	version uint64
	def     DefaultState
}

func (e *Engine) enter() scope {
	e.depth++
	return scope{version: e.reg.Version(), def: e.defaults.State()}
}

func (e *Engine) leave(s scope, cause string) {
	e.depth--
	if e.depth > 0 {
		return
	}
	def := e.defaults.State()
	if e.reg.Version() == s.version && def == s.def {
		return
	}
	n := e.bus.Publish(Notification{Cause: cause, Version: e.reg.Version(), Default: def})
	e.logger.Debug("state changed", "seq", n.Seq, "cause", cause)
}

// Subscribe registers an observer for state-change notifications.
func (e *Engine) Subscribe(o Observer) (cancel func()) {
	return e.bus.Subscribe(o)
}

// Bus exposes the notification bus.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Syncing reports whether a sync session is active.
func (e *Engine) Syncing() bool {
	return e.syncing
}

// StopSyncing ends the sync session. Pending outgoing changes and the
// upstream ledger are discarded; the next Merge starts from scratch.
func (e *Engine) StopSyncing() {
	if !e.syncing {
		return
	}
	e.syncing = false
	dropped := e.emitter.Drain()
	e.ledger.Reset()
	e.logger.Info("sync stopped", "dropped_changes", len(dropped))
}

// DrainChanges returns outgoing changes produced since the last drain by
// local edits and baseline repair.
func (e *Engine) DrainChanges() []ir.Change {
	return e.emitter.Drain()
}

// Default returns the current default selection.
func (e *Engine) Default() DefaultState {
	return e.defaults.State()
}

// DefaultEntry returns the bound default entry, if any.
func (e *Engine) DefaultEntry() (ir.Entry, bool) {
	s := e.defaults.State()
	if s.Kind != DefaultBound {
		return ir.Entry{}, false
	}
	return e.reg.FindByLocalID(s.LocalID)
}

// DefaultRuns returns the number of default-selection runs started.
func (e *Engine) DefaultRuns() int {
	return e.defaults.Runs()
}

// FindByGUID returns the entry carrying guid.
func (e *Engine) FindByGUID(guid string) (ir.Entry, bool) {
	return e.reg.FindByGUID(guid)
}

// FindByLocalID returns the entry with the given local id.
func (e *Engine) FindByLocalID(id ir.LocalID) (ir.Entry, bool) {
	return e.reg.FindByLocalID(id)
}

// FindOwner returns the entry that owns key.
func (e *Engine) FindOwner(key string) (ir.Entry, bool) {
	return e.reg.FindOwner(key)
}

// IsOwner reports whether the entry with the given id owns its key.
func (e *Engine) IsOwner(id ir.LocalID) bool {
	return e.reg.IsOwner(id)
}

// Entries returns all live entries in ascending local id order.
func (e *Engine) Entries() []ir.Entry {
	return e.reg.Entries()
}

// Len returns the number of live entries.
func (e *Engine) Len() int {
	return e.reg.Len()
}

// PreSyncDeletes returns the guids queued for deletion at the next merge.
func (e *Engine) PreSyncDeletes() []string {
	out := make([]string, 0, len(e.preSyncDeletes))
	for guid := range e.preSyncDeletes {
		out = append(out, guid)
	}
	slices.Sort(out)
	return out
}

// SetDefaultGUID names the default by sync guid. If no entry carries guid
// yet, the selection stays pending until one arrives.
func (e *Engine) SetDefaultGUID(guid string) error {
	s := e.enter()
	defer e.leave(s, "default")
	return e.defaults.Submit(Request{Kind: RequestSelectGUID, GUID: guid})
}

// SetDefaultID names the default by local id.
func (e *Engine) SetDefaultID(id ir.LocalID) error {
	s := e.enter()
	defer e.leave(s, "default")
	return e.defaults.Submit(Request{Kind: RequestBind, LocalID: id})
}

// ClearDefault unsets the default.
func (e *Engine) ClearDefault() error {
	s := e.enter()
	defer e.leave(s, "default")
	return e.defaults.Submit(Request{Kind: RequestClear})
}

// arrived tells the default manager that guid now lives at id. Only
// submitted when it can matter, so unrelated inserts do not start runs.
func (e *Engine) arrived(guid string, id ir.LocalID) {
	s := e.defaults.state
	if guid == "" || s.Kind != DefaultPending || s.GUID != guid {
		return
	}
	if err := e.defaults.Submit(Request{Kind: RequestArrived, GUID: guid, LocalID: id}); err != nil {
		e.logger.Warn("default resolution stopped", "guid", guid, "error", err)
	}
}

// evicted tells the default manager that the entry at id is gone.
func (e *Engine) evicted(guid string, id ir.LocalID) {
	if !e.defaults.IsBound(id) {
		return
	}
	if err := e.defaults.Submit(Request{Kind: RequestEvicted, GUID: guid, LocalID: id}); err != nil {
		e.logger.Warn("default resolution stopped", "local_id", id, "error", err)
	}
}

// push records c in the ledger and queues it on the emitter.
func (e *Engine) push(c ir.Change) {
	e.ledger.Record(c)
	e.emitter.Push(c)
}

// pushable reports whether changes to entry travel upstream.
func (e *Engine) pushable(entry ir.Entry) bool {
	return e.syncing && entry.Origin.Syncable()
}
