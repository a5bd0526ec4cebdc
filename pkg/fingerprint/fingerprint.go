// Package fingerprint derives a stable, shape-only hash from a webhook
// payload so that payloads with the same key/type skeleton can reuse a
// cached transform instead of paying for a fresh LLM synthesis.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Skeleton recursively replaces a payload's values with their shape:
// nested objects keep their key structure, lists collapse to the shape of
// their first element, and scalars become a normalised type name.
func Skeleton(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = skeletonValue(value)
	}
	return out
}

func skeletonValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Skeleton(v)
	case []any:
		if len(v) == 0 {
			return []any{}
		}
		return []any{skeletonValue(v[0])}
	default:
		return normalizeTypeName(value)
	}
}

// normalizeTypeName maps a decoded JSON scalar to one of the four
// canonical type names used by the skeleton grammar.
func normalizeTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	default:
		return "string"
	}
}

// CanonicalString renders a skeleton deterministically: object keys sorted
// lexicographically with sort.Strings, no incidental whitespace. The output
// is written by hand rather than through encoding/json so the contract is
// explicit.
func CanonicalString(skeleton map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, skeleton)
	return b.String()
}

func writeCanonical(b *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quote(k))
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(quote(v))
	default:
		b.WriteString(quote(v.(string)))
	}
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Generate returns the 64-character hex SHA-256 fingerprint of a payload's
// type skeleton (§3.2). Two payloads with identical key sets and per-key
// scalar-type assignments always produce the same fingerprint.
func Generate(payload map[string]any) string {
	skeleton := Skeleton(payload)
	canonical := CanonicalString(skeleton)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
