package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
)

// RuntimeError represents a condition detected while applying sync input.
//
// Runtime errors include:
//   - Malformed records: empty key or url, duplicate guid in one snapshot
//   - GUID collisions at the registry boundary
//   - Stale or protected deletes
//   - Default-selection cycles and transition overflow
//   - Incremental changes outside a sync session
//
// Only NOT_SYNCING is ever returned to a caller as a failure. The rest are
// reported as Diagnostics and processing continues.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// GUID identifies the affected record, if any.
	GUID string

	// LocalID identifies the affected local entry, if any.
	LocalID ir.LocalID

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMalformedRecord marks a remote record that was dropped.
	ErrCodeMalformedRecord RuntimeErrorCode = "MALFORMED_RECORD"

	// ErrCodeGUIDCollision marks an insert rejected by the registry.
	ErrCodeGUIDCollision RuntimeErrorCode = "GUID_COLLISION"

	// ErrCodeStaleDelete marks a remote delete that no longer applies.
	ErrCodeStaleDelete RuntimeErrorCode = "STALE_DELETE"

	// ErrCodeDefaultCycle marks a default-selection run that revisited a target.
	ErrCodeDefaultCycle RuntimeErrorCode = "DEFAULT_CYCLE"

	// ErrCodeTransitionOverflow marks a run that exceeded the transition budget.
	ErrCodeTransitionOverflow RuntimeErrorCode = "TRANSITION_OVERFLOW"

	// ErrCodeNotSyncing marks an incremental change outside a session.
	ErrCodeNotSyncing RuntimeErrorCode = "NOT_SYNCING"

	// ErrCodeProtectedDelete marks a refused removal of a baseline entry or
	// of the current default.
	ErrCodeProtectedDelete RuntimeErrorCode = "PROTECTED_DELETE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.GUID != "" && e.LocalID != 0 {
		return fmt.Sprintf("%s: %s (guid=%s, id=%d)", e.Code, e.Message, e.GUID, e.LocalID)
	}
	if e.GUID != "" {
		return fmt.Sprintf("%s: %s (guid=%s)", e.Code, e.Message, e.GUID)
	}
	if e.LocalID != 0 {
		return fmt.Sprintf("%s: %s (id=%d)", e.Code, e.Message, e.LocalID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsMalformed returns true if the error reports a dropped record.
// Uses errors.As to handle wrapped errors.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformedRecord)
}

// IsCycleError returns true if the error reports a default-selection cycle
// or transition overflow.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeDefaultCycle) || hasCode(err, ErrCodeTransitionOverflow)
}

// IsNotSyncing returns true if the error reports a change applied outside a
// sync session.
func IsNotSyncing(err error) bool {
	return hasCode(err, ErrCodeNotSyncing)
}

// IsProtected returns true if the error reports a refused delete.
func IsProtected(err error) bool {
	return hasCode(err, ErrCodeProtectedDelete)
}

// NewMalformedError creates a RuntimeError for a dropped record.
func NewMalformedError(guid string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeMalformedRecord,
		Message: cause.Error(),
		GUID:    guid,
	}
}

// NewCycleError creates a RuntimeError for a default target seen twice in
// one transition run.
func NewCycleError(target DefaultState) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDefaultCycle,
		Message: "default transition revisited " + target.String(),
		GUID:    target.GUID,
		LocalID: target.LocalID,
	}
}

// NewNotSyncingError creates a RuntimeError for a change outside a session.
func NewNotSyncingError(guid string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeNotSyncing,
		Message: "incremental change received while not syncing",
		GUID:    guid,
	}
}

// NewProtectedError creates a RuntimeError for a refused delete.
func NewProtectedError(e ir.Entry, reason string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeProtectedDelete,
		Message: reason,
		GUID:    e.SyncGUID,
		LocalID: e.LocalID,
	}
}

// Diagnostic is a per-record note returned alongside a successful call.
type Diagnostic struct {
	GUID string
	Err  *RuntimeError
}

func (d Diagnostic) String() string {
	return d.Err.Error()
}

func diag(err *RuntimeError) Diagnostic {
	return Diagnostic{GUID: err.GUID, Err: err}
}
