package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kwsync/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario seeds a registry, drives it through a sequence of sync and
// local operations, and asserts on what each step produced and on the
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Options tune the engine under test.
	Options Options `yaml:"options,omitempty"`

	// Baseline is the baseline set loaded before anything else. Every
	// record needs a provenance id.
	Baseline []Record `yaml:"baseline,omitempty"`

	// Setup lists local entries added before the first step.
	// Setup is assumed to succeed.
	Setup []Record `yaml:"setup,omitempty"`

	// Steps run in order. Each may carry expectations.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	// Supported types: owner, no_owner, absent, shadowed, entry_count,
	// default, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Options mirror the engine options a scenario may change.
type Options struct {
	// EmitBaseline controls whether Merge pushes never-synced baseline
	// entries. Nil keeps the engine default.
	EmitBaseline *bool `yaml:"emit_baseline,omitempty"`

	// MaxTransitions is the default-selection budget. Zero keeps the
	// engine default.
	MaxTransitions int `yaml:"max_transitions,omitempty"`

	// Restart saves and reloads the engine through the store after every
	// step.
	Restart bool `yaml:"restart,omitempty"`
}

// Record is the scenario form of an entry. Timestamps are Unix seconds.
type Record struct {
	GUID       string `yaml:"guid,omitempty"`
	Key        string `yaml:"key"`
	Name       string `yaml:"name,omitempty"`
	URL        string `yaml:"url"`
	SuggestURL string `yaml:"suggest_url,omitempty"`
	// Created defaults to Modified.
	Created  int64  `yaml:"created,omitempty"`
	Modified int64  `yaml:"modified,omitempty"`
	Origin   string `yaml:"origin,omitempty"`
	// Provenance is the baseline id; zero for ordinary entries.
	Provenance int `yaml:"provenance,omitempty"`
	// Replaceable defaults to true.
	Replaceable *bool `yaml:"replaceable,omitempty"`
}

// Step is one operation against the engine.
type Step struct {
	// Op is one of merge, apply, add, update, remove, set_default,
	// clear_default, stop_syncing, repair_baseline.
	Op string `yaml:"op"`

	// Records is the snapshot for merge.
	Records []Record `yaml:"records,omitempty"`

	// Changes are the incremental changes for apply.
	Changes []ChangeSpec `yaml:"changes,omitempty"`

	// Entry is the entry for add, or the edited fields for update.
	Entry *Record `yaml:"entry,omitempty"`

	// GUID selects the target of update, remove and set_default.
	GUID string `yaml:"guid,omitempty"`

	// Key selects the owner of a key as the target of update and remove
	// when GUID is empty.
	Key string `yaml:"key,omitempty"`

	// Expect holds the step expectations. Nil checks nothing beyond the
	// absence of an error.
	Expect *Expect `yaml:"expect,omitempty"`
}

// ChangeSpec is one incoming incremental change.
type ChangeSpec struct {
	// Kind is add, update, delete or default.
	Kind string `yaml:"kind"`

	// GUID names the target of delete and default. Ignored when Record is
	// set.
	GUID string `yaml:"guid,omitempty"`

	// Record carries the record for add and update, and optionally for
	// delete.
	Record *Record `yaml:"record,omitempty"`
}

// Expect specifies what one step must produce.
type Expect struct {
	// Changes lists the outgoing changes as "kind guid", in order.
	// Nil skips the check; an empty list requires no changes.
	Changes []string `yaml:"changes"`

	// Diagnostics lists the diagnostics as "CODE guid", in order.
	// Nil skips the check.
	Diagnostics []string `yaml:"diagnostics"`

	// Notifications is the number of notifications published.
	Notifications *int `yaml:"notifications,omitempty"`

	// Default is the default selection after the step, e.g. "pending(g2)".
	Default string `yaml:"default,omitempty"`

	// Error is a substring the step error must contain. Empty requires the
	// step to succeed.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "owner": the owner of Key has GUID
	// - "no_owner": Key has no owner
	// - "absent": no entry has GUID
	// - "shadowed": the entry with GUID is shadowed
	// - "entry_count": the registry holds exactly Count entries
	// - "default": the default selection has Kind (and GUID, if set)
	// - "final_state": query Table and verify expected values
	Type string `yaml:"type"`

	Key   string `yaml:"key,omitempty"`
	GUID  string `yaml:"guid,omitempty"`
	Count int    `yaml:"count,omitempty"`
	Kind  string `yaml:"kind,omitempty"`

	// Table is the store table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	// All fields must match exactly.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpMerge          = "merge"
	OpApply          = "apply"
	OpAdd            = "add"
	OpUpdate         = "update"
	OpRemove         = "remove"
	OpSetDefault     = "set_default"
	OpClearDefault   = "clear_default"
	OpStopSyncing    = "stop_syncing"
	OpRepairBaseline = "repair_baseline"
)

// Assertion type constants.
const (
	AssertOwner      = "owner"
	AssertNoOwner    = "no_owner"
	AssertAbsent     = "absent"
	AssertShadowed   = "shadowed"
	AssertEntryCount = "entry_count"
	AssertDefault    = "default"
	AssertFinalState = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if s.Options.MaxTransitions < 0 {
		return fmt.Errorf("options.max_transitions must be non-negative")
	}

	for i, r := range s.Baseline {
		if r.Provenance <= 0 {
			return fmt.Errorf("baseline[%d]: provenance is required", i)
		}
		if err := validateRecord(r); err != nil {
			return fmt.Errorf("baseline[%d]: %w", i, err)
		}
	}

	for i, r := range s.Setup {
		if err := validateRecord(r); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateRecord checks the fields every record needs to be converted.
// Empty keys and urls are left to the engine, which must reject them.
func validateRecord(r Record) error {
	if _, err := ir.ParseOrigin(r.Origin); err != nil {
		return err
	}
	if r.Modified < 0 || r.Created < 0 {
		return fmt.Errorf("timestamps must be non-negative")
	}
	return nil
}

func validateStep(index int, step *Step) error {
	switch step.Op {
	case OpMerge, OpClearDefault, OpStopSyncing, OpRepairBaseline:
	case OpApply:
		if len(step.Changes) == 0 {
			return fmt.Errorf("steps[%d]: changes are required for apply", index)
		}
		for j, c := range step.Changes {
			if err := validateChange(c); err != nil {
				return fmt.Errorf("steps[%d].changes[%d]: %w", index, j, err)
			}
		}
	case OpAdd:
		if step.Entry == nil {
			return fmt.Errorf("steps[%d]: entry is required for add", index)
		}
	case OpUpdate:
		if step.Entry == nil {
			return fmt.Errorf("steps[%d]: entry is required for update", index)
		}
		if step.GUID == "" && step.Key == "" {
			return fmt.Errorf("steps[%d]: guid or key is required for update", index)
		}
	case OpRemove:
		if step.GUID == "" && step.Key == "" {
			return fmt.Errorf("steps[%d]: guid or key is required for remove", index)
		}
	case OpSetDefault:
		if step.GUID == "" {
			return fmt.Errorf("steps[%d]: guid is required for set_default", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}

	for _, r := range step.Records {
		if err := validateRecord(r); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	if step.Entry != nil {
		if err := validateRecord(*step.Entry); err != nil {
			return fmt.Errorf("steps[%d].entry: %w", index, err)
		}
	}
	if step.Expect != nil && step.Expect.Notifications != nil && *step.Expect.Notifications < 0 {
		return fmt.Errorf("steps[%d].expect: notifications must be non-negative", index)
	}
	return nil
}

func validateChange(c ChangeSpec) error {
	if _, err := ir.ParseChangeKind(c.Kind); err != nil {
		return err
	}
	if c.Record == nil && c.GUID == "" {
		return fmt.Errorf("record or guid is required")
	}
	if c.Record != nil {
		return validateRecord(*c.Record)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOwner:
		if a.Key == "" || a.GUID == "" {
			return fmt.Errorf("assertions[%d]: key and guid are required for owner", index)
		}
	case AssertNoOwner:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for no_owner", index)
		}
	case AssertAbsent, AssertShadowed:
		if a.GUID == "" {
			return fmt.Errorf("assertions[%d]: guid is required for %s", index, a.Type)
		}
	case AssertEntryCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for entry_count", index)
		}
	case AssertDefault:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for default", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// remote converts the record to the form delivered by the sync service.
func (r Record) remote() ir.RemoteRecord {
	origin, _ := ir.ParseOrigin(r.Origin) // checked by validateRecord
	replaceable := true
	if r.Replaceable != nil {
		replaceable = *r.Replaceable
	}
	created := r.Created
	if created == 0 {
		created = r.Modified
	}
	return ir.RemoteRecord{
		GUID:               r.GUID,
		LookupKey:          r.Key,
		ShortName:          r.Name,
		URLTemplate:        r.URL,
		SuggestURLTemplate: r.SuggestURL,
		CreatedAt:          unixTime(created),
		ModifiedAt:         unixTime(r.Modified),
		Origin:             origin,
		Replaceable:        replaceable,
		ProvenanceID:       r.Provenance,
	}
}

// entry converts the record to a local entry. Zero timestamps stay zero so
// the engine stamps them.
func (r Record) entry() ir.Entry {
	return r.remote().Entry()
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
