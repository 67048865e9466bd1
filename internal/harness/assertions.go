package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/kwsync/internal/engine"
	"github.com/roach88/kwsync/internal/ir"
	"github.com/roach88/kwsync/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string     // Assertion type for categorization
	Expected string     // Human-readable expected outcome
	Actual   string     // Human-readable actual outcome
	Entries  []ir.Entry // Final registry for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Entries) > 0 {
		fmt.Fprintf(&buf, "\nRegistry:\n")
		for _, entry := range e.Entries {
			fmt.Fprintf(&buf, "  [%d] %s %q %s\n", entry.LocalID, entry.SyncGUID, entry.LookupKey, entry.URLTemplate)
		}
	}

	return buf.String()
}

// finalView indexes the final engine state for assertions.
type finalView struct {
	st       engine.State
	byGUID   map[string]ir.Entry
	owners   map[string]ir.Entry // normalized key -> owner
	shadowed map[ir.LocalID]bool
}

func newFinalView(st engine.State) *finalView {
	v := &finalView{
		st:       st,
		byGUID:   make(map[string]ir.Entry),
		owners:   make(map[string]ir.Entry),
		shadowed: make(map[ir.LocalID]bool),
	}
	byID := make(map[ir.LocalID]ir.Entry, len(st.Entries))
	for _, e := range st.Entries {
		byID[e.LocalID] = e
		if e.SyncGUID != "" {
			v.byGUID[e.SyncGUID] = e
		}
	}
	for _, id := range st.Owners {
		e := byID[id]
		v.owners[ir.NormalizeKey(e.LookupKey)] = e
	}
	for _, id := range st.Shadowed {
		v.shadowed[id] = true
	}
	return v
}

func (v *finalView) fail(typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Entries: v.st.Entries}
}

// assertOwner checks that the owner of a key carries the expected guid.
func assertOwner(v *finalView, assertion Assertion) error {
	owner, ok := v.owners[ir.NormalizeKey(assertion.Key)]
	if !ok {
		return v.fail(AssertOwner,
			fmt.Sprintf("key %q owned by %s", assertion.Key, assertion.GUID),
			"key has no owner")
	}
	if owner.SyncGUID != assertion.GUID {
		return v.fail(AssertOwner,
			fmt.Sprintf("key %q owned by %s", assertion.Key, assertion.GUID),
			fmt.Sprintf("owned by %q (id=%d)", owner.SyncGUID, owner.LocalID))
	}
	return nil
}

// assertNoOwner checks that no entry owns a key.
func assertNoOwner(v *finalView, assertion Assertion) error {
	if owner, ok := v.owners[ir.NormalizeKey(assertion.Key)]; ok {
		return v.fail(AssertNoOwner,
			fmt.Sprintf("key %q without owner", assertion.Key),
			fmt.Sprintf("owned by %q (id=%d)", owner.SyncGUID, owner.LocalID))
	}
	return nil
}

// assertAbsent checks that no entry carries a guid.
func assertAbsent(v *finalView, assertion Assertion) error {
	if e, ok := v.byGUID[assertion.GUID]; ok {
		return v.fail(AssertAbsent,
			fmt.Sprintf("no entry with guid %s", assertion.GUID),
			fmt.Sprintf("entry %d with key %q", e.LocalID, e.LookupKey))
	}
	return nil
}

// assertShadowed checks that the entry with a guid is shadowed.
func assertShadowed(v *finalView, assertion Assertion) error {
	e, ok := v.byGUID[assertion.GUID]
	if !ok {
		return v.fail(AssertShadowed,
			fmt.Sprintf("shadowed entry with guid %s", assertion.GUID),
			"entry not found")
	}
	if !v.shadowed[e.LocalID] {
		return v.fail(AssertShadowed,
			fmt.Sprintf("shadowed entry with guid %s", assertion.GUID),
			"entry is not shadowed")
	}
	return nil
}

// assertEntryCount checks the number of entries in the registry.
func assertEntryCount(v *finalView, assertion Assertion) error {
	if got := len(v.st.Entries); got != assertion.Count {
		return v.fail(AssertEntryCount,
			fmt.Sprintf("%d entries", assertion.Count),
			fmt.Sprintf("%d entries", got))
	}
	return nil
}

// assertDefault checks the kind, and optionally the guid, of the default
// selection.
func assertDefault(v *finalView, assertion Assertion) error {
	def := v.st.Default
	if def.Kind.String() != assertion.Kind {
		return v.fail(AssertDefault, "default "+assertion.Kind, "default "+def.String())
	}
	if assertion.GUID == "" || def.GUID == assertion.GUID {
		return nil
	}
	return v.fail(AssertDefault,
		fmt.Sprintf("default %s with guid %s", assertion.Kind, assertion.GUID),
		fmt.Sprintf("default %s with guid %q", def, def.GUID))
}

// assertFinalState checks if the final state table contains expected values.
// Queries the table with parameterized SQL and validates expected values
// using subset semantics.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}

	// Validate table name to prevent SQL injection (identifiers can't be parameterized)
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err // Identifier validation failed
	}

	// Build SELECT query (table name validated above)
	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Check for multiple matching rows (would indicate ambiguous assertion)
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]interface{})
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	// Subset semantics - only check fields in Expect. Keys are sorted so
	// the first reported mismatch is stable.
	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]interface{}) (string, []interface{}, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		// For other types, convert to string
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]interface{}) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from state tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	view := newFinalView(result.Final)

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertOwner:
			err = assertOwner(view, assertion)
		case AssertNoOwner:
			err = assertNoOwner(view, assertion)
		case AssertAbsent:
			err = assertAbsent(view, assertion)
		case AssertShadowed:
			err = assertShadowed(view, assertion)
		case AssertEntryCount:
			err = assertEntryCount(view, assertion)
		case AssertDefault:
			err = assertDefault(view, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
