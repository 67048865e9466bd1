// Package baseline compiles baseline keyword sets written in CUE.
//
// A baseline set is a versioned list of well-known entries that ships with
// the product (prepopulated engines, starter packs). Every member carries a
// provenance id that is stable across versions; the engine uses it to find
// and repair the local copy of a member and never deletes such entries.
//
// Source files declare sets under the top-level baseline field:
//
//	baseline: prepopulated: {
//		origin: "prepopulated"
//		entries: {
//			search: {id: 1, key: "search.example", url: "https://search.example/?q={searchTerms}"}
//		}
//	}
//
// Values are unified with an embedded schema before compilation, so type
// errors, unknown fields and missing required fields are reported with CUE
// source positions.
package baseline
