package harness

import (
	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
)

// StepTrace records what one step produced.
type StepTrace struct {
	// Index is the zero-based step position.
	Index int

	// Op is the step operation.
	Op string

	// Changes are the outgoing changes, in production order.
	Changes []ir.Change

	// Diagnostics are the dropped-record notes.
	Diagnostics []engine.Diagnostic

	// Notifications counts the notifications published during the step.
	Notifications int

	// Default is the default selection after the step.
	Default engine.DefaultState

	// Err is the step error message, if the step failed.
	Err string
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all step expectations and assertions hold.
	Pass bool

	// Trace holds one record per executed step.
	Trace []StepTrace

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string

	// Final is the engine state after the last step.
	Final engine.State
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step record to the trace.
func (r *Result) AddStep(st StepTrace) {
	r.Trace = append(r.Trace, st)
}

// ChangeLabels renders changes as "kind guid".
func ChangeLabels(changes []ir.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Kind.String() + " " + c.GUID
	}
	return out
}

// DiagnosticLabels renders diagnostics as "CODE guid", or just the code
// when the diagnostic names no guid.
func DiagnosticLabels(diags []engine.Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = string(d.Err.Code)
		if d.GUID != "" {
			out[i] += " " + d.GUID
		}
	}
	return out
}
