// Package resolver decides which of two entries owns a contested lookup key.
//
// Resolution is a pure function of the two entries. The same inputs always
// produce the same Decision, which is what makes repeated merges idempotent.
//
// Rules are applied in strict order; the first rule that distinguishes the
// entries decides:
//
//  1. Origin class: Policy > Extension seeking default > Extension > rest.
//  2. Replaceability: a non-replaceable entry beats a replaceable one.
//  3. Baseline protection: a baseline entry keeps ownership unless the other
//     entry is strictly newer.
//  4. Recency: strictly newer wins; ties keep the incumbent.
//
// The loser is Evicted only when it is an ordinary replaceable user entry
// and the winner is not a policy entry. Everything else is Demoted, so data
// belonging to baseline sets, policies and extensions is never deleted by
// resolution.
package resolver

import (
	"fmt"

	"github.com/roach88/kwsync/internal/ir"
)

// Side names one of the two entries passed to Resolve.
type Side int

const (
	Incumbent Side = iota
	Challenger
)

func (s Side) String() string {
	if s == Challenger {
		return "challenger"
	}
	return "incumbent"
}

// Outcome is what happens to the losing entry.
type Outcome int

const (
	// Demoted entries stay in the registry but lose lookup ownership.
	Demoted Outcome = iota + 1
	// Evicted entries are removed from the registry.
	Evicted
)

func (o Outcome) String() string {
	switch o {
	case Demoted:
		return "demoted"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Rule identifies which precedence rule decided a contest.
type Rule int

const (
	RuleOrigin Rule = iota + 1
	RuleReplaceability
	RuleBaseline
	RuleRecency
	// RuleDefault is never produced by Resolve. Callers that protect the
	// current default selection report it when they override a decision.
	RuleDefault
)

var ruleNames = map[Rule]string{
	RuleOrigin:         "origin",
	RuleReplaceability: "replaceability",
	RuleBaseline:       "baseline",
	RuleRecency:        "recency",
	RuleDefault:        "default",
}

func (r Rule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

// Decision is the result of resolving one lookup-key contest.
type Decision struct {
	Winner Side
	Loser  Outcome
	Rule   Rule
}

// ChallengerWins reports whether the challenger takes ownership.
func (d Decision) ChallengerWins() bool {
	return d.Winner == Challenger
}

// Resolve decides ownership of a lookup key between the current owner and
// a challenger.
func Resolve(incumbent, challenger ir.Entry) Decision {
	winner, rule := decide(incumbent, challenger)
	w, l := incumbent, challenger
	if winner == Challenger {
		w, l = challenger, incumbent
	}
	return Decision{Winner: winner, Loser: loserOutcome(w, l), Rule: rule}
}

// Prefer reports whether challenger should own the key instead of
// incumbent. It is the ownership half of Resolve and is suitable as a
// registry owner policy.
func Prefer(incumbent, challenger ir.Entry) bool {
	winner, _ := decide(incumbent, challenger)
	return winner == Challenger
}

func decide(a, b ir.Entry) (Side, Rule) {
	if ra, rb := rank(a), rank(b); ra != rb {
		return pick(rb > ra), RuleOrigin
	}
	if a.Replaceable != b.Replaceable {
		return pick(!b.Replaceable), RuleReplaceability
	}
	if a.IsBaseline() != b.IsBaseline() {
		// Only the non-baseline side can take ownership, and only by being newer.
		if a.IsBaseline() {
			return pick(b.ModifiedAt.After(a.ModifiedAt)), RuleBaseline
		}
		return pick(!a.ModifiedAt.After(b.ModifiedAt)), RuleBaseline
	}
	return pick(b.ModifiedAt.After(a.ModifiedAt)), RuleRecency
}

func pick(challengerWins bool) Side {
	if challengerWins {
		return Challenger
	}
	return Incumbent
}

func rank(e ir.Entry) int {
	switch e.Origin {
	case ir.OriginPolicy:
		return 3
	case ir.OriginExtension:
		if e.SeeksDefault {
			return 2
		}
		return 1
	default:
		return 0
	}
}

func loserOutcome(winner, loser ir.Entry) Outcome {
	if winner.Origin == ir.OriginPolicy {
		return Demoted
	}
	if loser.Replaceable && Evictable(loser) {
		return Evicted
	}
	return Demoted
}

// Evictable reports whether resolution is ever allowed to delete e.
// Baseline, policy and extension entries are only demoted.
func Evictable(e ir.Entry) bool {
	return e.Origin == ir.OriginUser && !e.IsBaseline()
}
