package ir

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKey returns the form under which a lookup key is indexed.
//
// Keys are trimmed, NFC normalized and case folded so that "Wiki", "wiki"
// and a decomposed "wikì" all address the same owner slot.
func NormalizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return ""
	}
	// cases.Caser is stateful; one per call.
	return cases.Fold().String(norm.NFC.String(trimmed))
}
