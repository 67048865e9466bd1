package ir

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainRecord = "kwsync/record/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordDigest identifies a record's synced content. Local-only attributes
// (local id, origin class of policy/extension entries) do not participate.
//
// Timestamps participate at one-second resolution, matching what the sync
// service stores.
func RecordDigest(r RemoteRecord) string {
	// contentObject holds only strings, int64 and bools; marshal cannot fail.
	canonical, err := MarshalCanonical(contentObject(r))
	if err != nil {
		panic("ir: RecordDigest: " + err.Error())
	}
	return hashWithDomain(DomainRecord, canonical)
}

// EntryDigest is RecordDigest over the entry's synced form.
func EntryDigest(e Entry) string {
	return RecordDigest(e.Record())
}

// SameStructure reports whether a record describes the same logical entry
// as the local one, ignoring revision metadata. Used to detect stale deletes.
func SameStructure(e Entry, r RemoteRecord) bool {
	return e.SyncGUID == r.GUID &&
		NormalizeKey(e.LookupKey) == NormalizeKey(r.LookupKey) &&
		e.URLTemplate == r.URLTemplate
}
