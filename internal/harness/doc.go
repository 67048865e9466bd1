// Package harness provides a conformance testing framework for the kwsync
// engine.
//
// A scenario is a YAML file that seeds a registry with a baseline and local
// entries, then drives a real Engine through merges, incremental changes
// and local edits. Each step may state the outgoing changes, diagnostics,
// notification count and default selection it must produce. Assertions
// then check the final registry, and final_state assertions query the
// SQLite tables the state was saved to.
//
// Runs are deterministic: the clock starts at testutil.DefaultEpoch and
// advances one second per reading, and new guids are "local-1",
// "local-2", and so on. A scenario with options.restart set saves and
// restores the engine through the store after every step, which checks
// that persisted state behaves exactly like live state.
//
// Golden files under testdata/golden hold the canonical JSON snapshot of a
// run (see RunWithGolden).
package harness
