package baseline

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/kwsync/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Set is one compiled baseline set.
type Set struct {
	Name   string
	Origin ir.Origin
	// Entries are ordered by provenance id.
	Entries []ir.Entry
}

// Compile validates v against the baseline schema and compiles every set
// under its baseline field. Sets are returned ordered by name.
//
// Provenance ids must be unique across all sets.
func Compile(v cue.Value) ([]Set, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("baseline schema: %w", err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("baseline"))
	if !root.Exists() {
		return nil, &CompileError{Field: "baseline", Message: "baseline is required", Pos: v.Pos()}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var sets []Set
	for iter.Next() {
		set, err := CompileSet(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		sets = append(sets, *set)
	}
	slices.SortFunc(sets, func(a, b Set) int { return strings.Compare(a.Name, b.Name) })

	if err := checkUniqueIDs(sets); err != nil {
		return nil, err
	}
	return sets, nil
}

// CompileSet compiles a single schema-checked set value.
func CompileSet(name string, v cue.Value) (*Set, error) {
	originStr, err := stringField(v, "origin")
	if err != nil {
		return nil, err
	}
	origin, err := ir.ParseOrigin(originStr)
	if err != nil {
		return nil, &CompileError{Field: "origin", Message: err.Error(), Pos: v.Pos()}
	}

	set := &Set{Name: name, Origin: origin}

	entries := v.LookupPath(cue.ParsePath("entries"))
	iter, err := entries.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		e, err := compileEntry(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		e.Origin = origin
		set.Entries = append(set.Entries, e)
	}
	slices.SortFunc(set.Entries, func(a, b ir.Entry) int { return a.ProvenanceID - b.ProvenanceID })

	if len(set.Entries) == 0 {
		return nil, &CompileError{
			Field:   "entries",
			Message: fmt.Sprintf("set %s has no entries", name),
			Pos:     v.Pos(),
		}
	}
	return set, nil
}

func compileEntry(label string, v cue.Value) (ir.Entry, error) {
	var e ir.Entry

	id, err := defaulted(v, "id").Int64()
	if err != nil {
		return e, formatCUEError(err)
	}
	e.ProvenanceID = int(id)

	if e.LookupKey, err = stringField(v, "key"); err != nil {
		return e, err
	}
	if e.ShortName, err = stringField(v, "name"); err != nil {
		return e, err
	}
	if e.ShortName == "" {
		e.ShortName = label
	}
	if e.URLTemplate, err = stringField(v, "url"); err != nil {
		return e, err
	}
	if e.SuggestURLTemplate, err = stringField(v, "suggest_url"); err != nil {
		return e, err
	}
	if e.Replaceable, err = defaulted(v, "replaceable").Bool(); err != nil {
		return e, formatCUEError(err)
	}
	return e, nil
}

// defaulted looks up field and resolves any default marker.
func defaulted(v cue.Value, field string) cue.Value {
	f := v.LookupPath(cue.ParsePath(field))
	if d, ok := f.Default(); ok {
		return d
	}
	return f
}

func stringField(v cue.Value, field string) (string, error) {
	s, err := defaulted(v, field).String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func checkUniqueIDs(sets []Set) error {
	seen := make(map[int]string)
	for _, set := range sets {
		for _, e := range set.Entries {
			if prev, dup := seen[e.ProvenanceID]; dup {
				return &CompileError{
					Field:   "id",
					Message: fmt.Sprintf("provenance id %d used by %s and %s.%s", e.ProvenanceID, prev, set.Name, e.ShortName),
				}
			}
			seen[e.ProvenanceID] = set.Name + "." + e.ShortName
		}
	}
	return nil
}

// Entries flattens sets into one list ordered by provenance id.
func Entries(sets []Set) []ir.Entry {
	var out []ir.Entry
	for _, set := range sets {
		out = append(out, set.Entries...)
	}
	slices.SortFunc(out, func(a, b ir.Entry) int { return a.ProvenanceID - b.ProvenanceID })
	return out
}
