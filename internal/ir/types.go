package ir

import (
	"errors"
	"fmt"
	"time"
)

// LocalID is the process-local handle of an Entry. Assigned on insertion into
// a registry, never reused, never synchronized.
type LocalID int64

// Origin encodes the precedence class of an Entry.
type Origin int

const (
	// OriginUser marks entries authored by the user or received from sync.
	OriginUser Origin = iota
	// OriginPolicy marks entries installed by enterprise policy.
	OriginPolicy
	// OriginExtension marks entries owned by an installed extension.
	OriginExtension
	// OriginPrepopulated marks entries from the prepopulated baseline set.
	OriginPrepopulated
	// OriginStarterPack marks entries from the starter-pack baseline set.
	OriginStarterPack
)

var originNames = map[Origin]string{
	OriginUser:         "user",
	OriginPolicy:       "policy",
	OriginExtension:    "extension",
	OriginPrepopulated: "prepopulated",
	OriginStarterPack:  "starter_pack",
}

// String returns the snake_case name of the origin.
func (o Origin) String() string {
	if name, ok := originNames[o]; ok {
		return name
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// ParseOrigin converts a snake_case name back to an Origin.
// The empty string parses as OriginUser.
func ParseOrigin(s string) (Origin, error) {
	if s == "" {
		return OriginUser, nil
	}
	for o, name := range originNames {
		if name == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown origin %q", s)
}

// Syncable reports whether entries of this origin are exchanged with the
// sync service. Policy and extension entries are device-local.
func (o Origin) Syncable() bool {
	return o != OriginPolicy && o != OriginExtension
}

// Entry is one named URL template held by the registry.
type Entry struct {
	LocalID            LocalID   `json:"local_id"`
	SyncGUID           string    `json:"sync_guid,omitempty"`
	LookupKey          string    `json:"lookup_key"`
	ShortName          string    `json:"short_name,omitempty"`
	URLTemplate        string    `json:"url_template"`
	SuggestURLTemplate string    `json:"suggest_url_template,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ModifiedAt         time.Time `json:"modified_at"`
	Origin             Origin    `json:"origin"`
	SeeksDefault       bool      `json:"seeks_default,omitempty"` // extension entries only
	Replaceable        bool      `json:"replaceable"`
	ProvenanceID       int       `json:"provenance_id,omitempty"`
}

// IsBaseline reports whether the entry belongs to a well-known baseline set.
func (e Entry) IsBaseline() bool {
	return e.ProvenanceID != 0
}

// Synced reports whether the entry has been synchronized at least once.
func (e Entry) Synced() bool {
	return e.SyncGUID != ""
}

// Record converts the entry to the form exchanged with the sync service.
func (e Entry) Record() RemoteRecord {
	return RemoteRecord{
		GUID:               e.SyncGUID,
		LookupKey:          e.LookupKey,
		ShortName:          e.ShortName,
		URLTemplate:        e.URLTemplate,
		SuggestURLTemplate: e.SuggestURLTemplate,
		CreatedAt:          e.CreatedAt,
		ModifiedAt:         e.ModifiedAt,
		Origin:             e.Origin,
		Replaceable:        e.Replaceable,
		ProvenanceID:       e.ProvenanceID,
	}
}

// RemoteRecord is an entry as delivered by (or pushed to) the sync service.
type RemoteRecord struct {
	GUID               string    `json:"guid"`
	LookupKey          string    `json:"lookup_key"`
	ShortName          string    `json:"short_name,omitempty"`
	URLTemplate        string    `json:"url_template"`
	SuggestURLTemplate string    `json:"suggest_url_template,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ModifiedAt         time.Time `json:"modified_at"`
	Origin             Origin    `json:"origin"`
	Replaceable        bool      `json:"replaceable"`
	ProvenanceID       int       `json:"provenance_id,omitempty"`
}

// Record validation failures.
var (
	ErrMissingGUID      = errors.New("ir: record has no guid")
	ErrEmptyLookupKey   = errors.New("ir: empty lookup key")
	ErrEmptyURLTemplate = errors.New("ir: empty url template")
	ErrUnsyncableOrigin = errors.New("ir: origin is not syncable")
)

// Validate checks the structural requirements of a remote record.
// A record failing validation is malformed and must be dropped.
func (r RemoteRecord) Validate() error {
	if r.GUID == "" {
		return ErrMissingGUID
	}
	if NormalizeKey(r.LookupKey) == "" {
		return ErrEmptyLookupKey
	}
	if r.URLTemplate == "" {
		return ErrEmptyURLTemplate
	}
	if !r.Origin.Syncable() {
		return fmt.Errorf("%w: %s", ErrUnsyncableOrigin, r.Origin)
	}
	return nil
}

// Entry builds a registry entry from the record. The LocalID is left zero;
// the registry assigns it on insertion.
func (r RemoteRecord) Entry() Entry {
	origin := r.Origin
	if r.ProvenanceID != 0 && origin == OriginUser {
		origin = OriginPrepopulated
	}
	return Entry{
		SyncGUID:           r.GUID,
		LookupKey:          r.LookupKey,
		ShortName:          r.ShortName,
		URLTemplate:        r.URLTemplate,
		SuggestURLTemplate: r.SuggestURLTemplate,
		CreatedAt:          r.CreatedAt,
		ModifiedAt:         r.ModifiedAt,
		Origin:             origin,
		Replaceable:        r.Replaceable,
		ProvenanceID:       r.ProvenanceID,
	}
}

// ChangeKind identifies the action carried by a change.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
	// ChangeDefault carries the synced default selection (incoming only).
	ChangeDefault
)

var changeKindNames = map[ChangeKind]string{
	ChangeAdd:     "add",
	ChangeUpdate:  "update",
	ChangeDelete:  "delete",
	ChangeDefault: "default",
}

func (k ChangeKind) String() string {
	if name, ok := changeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// ParseChangeKind converts a lowercase action name to a ChangeKind.
func ParseChangeKind(s string) (ChangeKind, error) {
	for k, name := range changeKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown change kind %q", s)
}

// Change is an outgoing change destined for the sync service.
// Add and Update carry the full entry; Delete carries only the guid.
type Change struct {
	Kind  ChangeKind
	GUID  string
	Entry Entry
}

// AddChange returns an Add for the entry.
func AddChange(e Entry) Change {
	return Change{Kind: ChangeAdd, GUID: e.SyncGUID, Entry: e}
}

// UpdateChange returns an Update for the entry.
func UpdateChange(e Entry) Change {
	return Change{Kind: ChangeUpdate, GUID: e.SyncGUID, Entry: e}
}

// DeleteChange returns a Delete for the guid.
func DeleteChange(guid string) Change {
	return Change{Kind: ChangeDelete, GUID: guid}
}

// String renders the change for logs and CLI text output.
func (c Change) String() string {
	if c.Kind == ChangeDelete {
		return fmt.Sprintf("%s %s", c.Kind, c.GUID)
	}
	return fmt.Sprintf("%s %s key=%q url=%q", c.Kind, c.GUID, c.Entry.LookupKey, c.Entry.URLTemplate)
}

// RemoteChange is one incrementally delivered change from the sync service.
// For ChangeDefault only GUID is meaningful; for the other kinds Record is
// the affected record and GUID mirrors Record.GUID.
type RemoteChange struct {
	Kind   ChangeKind
	GUID   string
	Record RemoteRecord
}

// RemoteAdd wraps a record as an incoming Add.
func RemoteAdd(r RemoteRecord) RemoteChange {
	return RemoteChange{Kind: ChangeAdd, GUID: r.GUID, Record: r}
}

// RemoteUpdate wraps a record as an incoming Update.
func RemoteUpdate(r RemoteRecord) RemoteChange {
	return RemoteChange{Kind: ChangeUpdate, GUID: r.GUID, Record: r}
}

// RemoteDelete wraps a record as an incoming Delete.
func RemoteDelete(r RemoteRecord) RemoteChange {
	return RemoteChange{Kind: ChangeDelete, GUID: r.GUID, Record: r}
}

// RemoteDefault names the synced default selection by guid.
func RemoteDefault(guid string) RemoteChange {
	return RemoteChange{Kind: ChangeDefault, GUID: guid}
}
