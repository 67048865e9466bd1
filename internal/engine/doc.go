// Package engine implements the keyword-registry sync engine.
//
// The engine reconciles a local registry of keyword entries with a
// multi-device sync service. It receives one full snapshot at the start of a
// session (Merge) and a stream of incremental changes afterwards
// (ApplyChanges), and it produces the changes the service must receive to
// converge.
//
// ARCHITECTURE:
//
// Single-Writer:
// Every public method runs synchronously to completion. There are no
// goroutines and no blocking I/O; persistence and transport belong to the
// caller. This ensures:
// - Deterministic output for identical input
// - Simple reasoning about the order of registry mutations
// - Reproducible golden tests
//
// Merge Flow:
// 1. Validate the snapshot, answering malformed records with Delete
// 2. Answer records removed locally before the session with Delete
// 3. Merge records whose guid is known locally (ascending guid)
// 4. Resolve unseen records against the owner of their key (ascending guid)
// 5. Push never-synced local entries as Add
//
// Incremental changes follow the same resolution rules but never produce
// outgoing changes, which would echo back from the service.
//
// CRITICAL PATTERNS:
//
// Ownership: a lookup key may be carried by several entries; exactly one
// owns it. Contests are decided by the resolver package; the bound default
// keeps its key against everything but policy entries.
//
// Baseline protection: entries with a provenance id are only ever demoted
// or overwritten by sync input, never removed, so RepairBaseline can always
// restore them.
//
// Default selection: a queued, coalescing state machine with cycle
// detection and a transition budget. Nested requests are folded into the
// running transition, and the engine publishes at most one notification
// per call.
package engine
