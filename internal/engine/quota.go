package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxTransitions bounds the transitions applied in one run of the
// default-selection manager.
const DefaultMaxTransitions = 16

// TransitionBudget counts transitions within one run and enforces a limit.
//
// Together with CycleDetector it guarantees that a run terminates no matter
// how a DefaultPublisher re-enters the manager.
type TransitionBudget struct {
	limit   int
	current int
}

// NewTransitionBudget creates a budget allowing limit transitions.
// A non-positive limit falls back to DefaultMaxTransitions.
func NewTransitionBudget(limit int) *TransitionBudget {
	if limit <= 0 {
		limit = DefaultMaxTransitions
	}
	return &TransitionBudget{limit: limit}
}

// Check increments the counter and fails once the limit is passed.
func (b *TransitionBudget) Check() error {
	b.current++
	if b.current > b.limit {
		return &TransitionOverflowError{Transitions: b.current, Limit: b.limit}
	}
	return nil
}

// Current returns the number of transitions counted so far.
func (b *TransitionBudget) Current() int {
	return b.current
}

// Limit returns the configured limit.
func (b *TransitionBudget) Limit() int {
	return b.limit
}

// TransitionOverflowError is returned when a run exceeds its budget.
type TransitionOverflowError struct {
	Transitions int
	Limit       int
}

// Error implements the error interface.
func (e *TransitionOverflowError) Error() string {
	return fmt.Sprintf("default selection exceeded transition budget: %d transitions > %d limit",
		e.Transitions, e.Limit)
}

// RuntimeError converts the overflow to its diagnostic form.
func (e *TransitionOverflowError) RuntimeError() *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeTransitionOverflow,
		Message: e.Error(),
		Details: map[string]string{
			"transitions": fmt.Sprintf("%d", e.Transitions),
			"limit":       fmt.Sprintf("%d", e.Limit),
		},
	}
}

// IsTransitionOverflow returns true if the error is a TransitionOverflowError.
// Uses errors.As to handle wrapped errors.
func IsTransitionOverflow(err error) bool {
	var oe *TransitionOverflowError
	return errors.As(err, &oe)
}
