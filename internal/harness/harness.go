package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/store"
	"github.com/roach88/kwsync/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios against a real Engine with a deterministic clock and
// sequential guids, persisting every step through an in-memory store.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	clock    *testutil.DeterministicClock
	guids    *testutil.SequentialGUIDGenerator
	logger   *slog.Logger
	options  Options
	baseline []ir.Entry

	notified int
	cancel   func()
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database and engine
// 2. Load the baseline and the setup entries
// 3. Execute steps, checking each step's expectations
// 4. Save the final state and evaluate assertions
// 5. Return result with pass/fail, trace, and errors
//
// Expectation and assertion failures are reported in the Result. The
// returned error is reserved for infrastructure failures.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:   st,
		clock:   testutil.NewDeterministicClock(),
		guids:   testutil.NewSequentialGUIDGenerator("local"),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		options: scenario.Options,
	}
	h.attach(engine.New(h.engineOptions()...))

	ctx := context.Background()

	if err := h.executeSetup(scenario); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	result.Final = h.engine.State()
	if err := st.Save(ctx, result.Final); err != nil {
		return nil, fmt.Errorf("failed to save final state: %w", err)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	assertionErrors := EvaluateAssertions(result, scenario.Assertions, actx)
	for _, errMsg := range assertionErrors {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) engineOptions() []engine.EngineOption {
	opts := []engine.EngineOption{
		engine.WithClock(h.clock),
		engine.WithGUIDGenerator(h.guids),
		engine.WithLogger(h.logger),
	}
	if h.options.EmitBaseline != nil {
		opts = append(opts, engine.WithEmitBaseline(*h.options.EmitBaseline))
	}
	if h.options.MaxTransitions > 0 {
		opts = append(opts, engine.WithMaxTransitions(h.options.MaxTransitions))
	}
	return opts
}

// attach makes eng the engine under test and counts its notifications.
func (h *Harness) attach(eng *engine.Engine) {
	if h.cancel != nil {
		h.cancel()
	}
	h.engine = eng
	h.cancel = eng.Subscribe(func(engine.Notification) { h.notified++ })
}

// executeSetup loads the baseline and adds the setup entries. Neither
// happens inside a sync session, so nothing is pushed.
func (h *Harness) executeSetup(scenario *Scenario) error {
	for _, r := range scenario.Baseline {
		h.baseline = append(h.baseline, r.entry())
	}
	if len(h.baseline) > 0 {
		if _, err := h.engine.LoadBaseline(h.baseline); err != nil {
			return fmt.Errorf("load baseline: %w", err)
		}
	}
	for i, r := range scenario.Setup {
		if _, err := h.engine.Add(r.entry()); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	return nil
}

// executeStep runs one step, records it in the trace and checks its
// expectations.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	before := h.notified
	trace := StepTrace{Index: index, Op: step.Op}

	var stepErr error
	switch step.Op {
	case OpMerge:
		snapshot := make([]ir.RemoteRecord, len(step.Records))
		for i, r := range step.Records {
			snapshot[i] = r.remote()
		}
		res := h.engine.Merge(snapshot)
		trace.Changes = res.Changes
		trace.Diagnostics = res.Diagnostics
	case OpApply:
		trace.Diagnostics, stepErr = h.engine.ApplyChanges(remoteChanges(step.Changes))
	case OpAdd:
		_, stepErr = h.engine.Add(step.Entry.entry())
	case OpUpdate:
		stepErr = h.update(step)
	case OpRemove:
		var id ir.LocalID
		if id, stepErr = h.target(step); stepErr == nil {
			stepErr = h.engine.Remove(id)
		}
	case OpSetDefault:
		stepErr = h.engine.SetDefaultGUID(step.GUID)
	case OpClearDefault:
		stepErr = h.engine.ClearDefault()
	case OpStopSyncing:
		h.engine.StopSyncing()
	case OpRepairBaseline:
		_, stepErr = h.engine.RepairBaseline(h.baseline)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	trace.Changes = append(trace.Changes, h.engine.DrainChanges()...)
	trace.Notifications = h.notified - before
	trace.Default = h.engine.Default()
	if stepErr != nil {
		trace.Err = stepErr.Error()
	}
	result.AddStep(trace)
	checkExpect(result, trace, step.Expect)

	// The change log mirrors what a transport would have been handed.
	if err := h.store.AppendChanges(ctx, step.Op, trace.Changes); err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	if h.options.Restart {
		return h.restart(ctx)
	}
	return nil
}

// update applies the non-empty fields of step.Entry to the target entry.
func (h *Harness) update(step Step) error {
	id, err := h.target(step)
	if err != nil {
		return err
	}
	edit := step.Entry
	return h.engine.Update(id, func(e *ir.Entry) {
		if edit.Key != "" {
			e.LookupKey = edit.Key
		}
		if edit.Name != "" {
			e.ShortName = edit.Name
		}
		if edit.URL != "" {
			e.URLTemplate = edit.URL
		}
		if edit.SuggestURL != "" {
			e.SuggestURLTemplate = edit.SuggestURL
		}
		if edit.Replaceable != nil {
			e.Replaceable = *edit.Replaceable
		}
	})
}

// target resolves the entry a step operates on, by guid or else by the
// owner of its key.
func (h *Harness) target(step Step) (ir.LocalID, error) {
	if step.GUID != "" {
		e, ok := h.engine.FindByGUID(step.GUID)
		if !ok {
			return 0, fmt.Errorf("no entry with guid %q", step.GUID)
		}
		return e.LocalID, nil
	}
	e, ok := h.engine.FindOwner(step.Key)
	if !ok {
		return 0, fmt.Errorf("no owner for key %q", step.Key)
	}
	return e.LocalID, nil
}

// restart round-trips the engine through the store, as a process restart
// would.
func (h *Harness) restart(ctx context.Context) error {
	if err := h.store.Save(ctx, h.engine.State()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	st, err := h.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	eng, err := engine.Restore(st, h.engineOptions()...)
	if err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	h.attach(eng)
	return nil
}

func remoteChanges(specs []ChangeSpec) []ir.RemoteChange {
	out := make([]ir.RemoteChange, 0, len(specs))
	for _, c := range specs {
		kind, _ := ir.ParseChangeKind(c.Kind) // checked by validateStep
		var rec ir.RemoteRecord
		if c.Record != nil {
			rec = c.Record.remote()
		} else {
			rec.GUID = c.GUID
		}
		switch kind {
		case ir.ChangeDefault:
			out = append(out, ir.RemoteDefault(rec.GUID))
		default:
			out = append(out, ir.RemoteChange{Kind: kind, GUID: rec.GUID, Record: rec})
		}
	}
	return out
}

// checkExpect compares one step's trace with its expectations.
func checkExpect(result *Result, trace StepTrace, exp *Expect) {
	prefix := fmt.Sprintf("steps[%d] (%s)", trace.Index, trace.Op)

	if exp == nil || exp.Error == "" {
		if trace.Err != "" {
			result.AddError(fmt.Sprintf("%s: unexpected error: %s", prefix, trace.Err))
		}
	} else if !strings.Contains(trace.Err, exp.Error) {
		result.AddError(fmt.Sprintf("%s: expected error containing %q, got %q", prefix, exp.Error, trace.Err))
	}
	if exp == nil {
		return
	}

	if exp.Changes != nil {
		if got := ChangeLabels(trace.Changes); !slices.Equal(got, exp.Changes) {
			result.AddError(fmt.Sprintf("%s: expected changes %v, got %v", prefix, exp.Changes, got))
		}
	}
	if exp.Diagnostics != nil {
		if got := DiagnosticLabels(trace.Diagnostics); !slices.Equal(got, exp.Diagnostics) {
			result.AddError(fmt.Sprintf("%s: expected diagnostics %v, got %v", prefix, exp.Diagnostics, got))
		}
	}
	if exp.Notifications != nil && *exp.Notifications != trace.Notifications {
		result.AddError(fmt.Sprintf("%s: expected %d notifications, got %d", prefix, *exp.Notifications, trace.Notifications))
	}
	if exp.Default != "" && exp.Default != trace.Default.String() {
		result.AddError(fmt.Sprintf("%s: expected default %s, got %s", prefix, exp.Default, trace.Default))
	}
}
