package ir

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
// CRITICAL: This is the ONLY serialization used for content digests and
// golden output, so that identical entries always produce identical bytes.
//
// Differences from encoding/json:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. No floats and no null (returns error)
//
// Supported values: string, int, int64, bool, []any, []map[string]any and
// map[string]any.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		writeCanonicalString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case []any:
		return writeCanonicalArray(buf, val)
	case []map[string]any:
		arr := make([]any, len(val))
		for i, obj := range val {
			arr[i] = obj
		}
		return writeCanonicalArray(buf, arr)
	case map[string]any:
		return writeCanonicalObject(buf, val)
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonicalString(buf, k)
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeCanonicalString escapes only what RFC 8785 requires: quote, backslash
// and control characters below U+0020. U+2028/U+2029 stay literal.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	const hex = "0123456789abcdef"
	buf.WriteByte('"')
	for _, r := range norm.NFC.String(s) {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hex[r>>4])
				buf.WriteByte(hex[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// lessUTF16 orders strings by UTF-16 code units as RFC 8785 requires.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// EntryObject converts an entry to the map form accepted by MarshalCanonical.
// Timestamps are rendered as Unix seconds.
func EntryObject(e Entry) map[string]any {
	obj := contentObject(e.Record())
	obj["local_id"] = int64(e.LocalID)
	obj["origin"] = e.Origin.String()
	if e.SeeksDefault {
		obj["seeks_default"] = true
	}
	return obj
}

// ChangeObject converts an outgoing change to canonical map form.
func ChangeObject(c Change) map[string]any {
	obj := map[string]any{
		"action": c.Kind.String(),
		"guid":   c.GUID,
	}
	if c.Kind != ChangeDelete {
		obj["entry"] = contentObject(c.Entry.Record())
	}
	return obj
}

// contentObject holds the fields that travel through sync. Two records with
// equal content objects are the same logical entry at the same revision.
func contentObject(r RemoteRecord) map[string]any {
	obj := map[string]any{
		"guid":         r.GUID,
		"lookup_key":   r.LookupKey,
		"url_template": r.URLTemplate,
		"created_at":   r.CreatedAt.Unix(),
		"modified_at":  r.ModifiedAt.Unix(),
		"replaceable":  r.Replaceable,
	}
	if r.ShortName != "" {
		obj["short_name"] = r.ShortName
	}
	if r.SuggestURLTemplate != "" {
		obj["suggest_url_template"] = r.SuggestURLTemplate
	}
	if r.ProvenanceID != 0 {
		obj["provenance_id"] = int64(r.ProvenanceID)
	}
	return obj
}
