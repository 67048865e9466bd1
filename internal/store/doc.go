// Package store persists keyword registry state in SQLite.
//
// The engine itself never serializes anything. The CLI loads an
// engine.State before a call and saves it afterwards; Save replaces the
// whole state in one transaction so a crash leaves either the old or the
// new registry, never a mix.
//
// # Tables
//
//   - entries: one row per live entry, keyed by local id, with ownership
//     and demotion flags and the entry's content digest
//   - engine_state: single row holding the id high-water mark, the sync
//     session flag and the default selection
//   - pre_sync_deletes, ledger: sync bookkeeping carried between sessions
//   - change_log: append-only log of outgoing changes, in canonical JSON
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Entry digests and change bodies are computed by internal/ir using RFC 8785
// canonical JSON and SHA-256 with domain separation.
package store
