// Package ir defines the records exchanged between the keyword registry, the
// sync transport and the persistence layer.
//
// This package contains type definitions and pure helpers only. Every other
// internal package imports ir; ir imports nothing internal, which keeps it the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Lookup keys are compared in normalized form (NFC + case fold), see NormalizeKey
//   - Origin is a closed tag set consumed by the precedence resolver, never by type switches
//   - Content identity is computed over RFC 8785 canonical JSON with domain separation
//   - All JSON tags use snake_case
package ir
