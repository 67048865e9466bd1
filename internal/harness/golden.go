package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
)

// Snapshot captures the complete observable outcome of a scenario.
// All fields use canonical JSON serialization for deterministic comparison.
type Snapshot struct {
	ScenarioName string
	Trace        []StepTrace
	Final        engine.State
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization.
func (s *Snapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Trace))
	for i, st := range s.Trace {
		changes := make([]any, len(st.Changes))
		for j, c := range st.Changes {
			changes[j] = ir.ChangeObject(c)
		}
		diags := make([]any, len(st.Diagnostics))
		for j, label := range DiagnosticLabels(st.Diagnostics) {
			diags[j] = label
		}
		step := map[string]any{
			"index":         st.Index,
			"op":            st.Op,
			"changes":       changes,
			"diagnostics":   diags,
			"notifications": st.Notifications,
			"default":       st.Default.String(),
		}
		if st.Err != "" {
			step["error"] = st.Err
		}
		steps[i] = step
	}

	owners := make(map[ir.LocalID]bool, len(s.Final.Owners))
	for _, id := range s.Final.Owners {
		owners[id] = true
	}
	shadowed := make(map[ir.LocalID]bool, len(s.Final.Shadowed))
	for _, id := range s.Final.Shadowed {
		shadowed[id] = true
	}
	entries := make([]any, len(s.Final.Entries))
	for i, e := range s.Final.Entries {
		obj := ir.EntryObject(e)
		obj["owner"] = owners[e.LocalID]
		obj["shadowed"] = shadowed[e.LocalID]
		entries[i] = obj
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"steps":         steps,
		"entries":       entries,
		"default":       s.Final.Default.String(),
	}
}

// MarshalSnapshot renders the scenario outcome as canonical JSON.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := Snapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Final:        result.Final,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
