// Package canonical produces deterministic byte encodings of arbitrary JSON
// payloads so hashing is independent of Go's randomized map iteration order
// and of how a producer happened to format a number.
//
// Maps are flattened into key-sorted slices at every depth before encoding,
// and every numeric value is normalized to float64 before being formatted,
// matching the encoding the journal used when it first hashed the payload.
package canonical

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// kv is an ordered key/value pair used in place of a Go map so that
// json.Marshal emits keys in a fixed order regardless of map iteration.
type kv struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// Bytes returns the canonical JSON encoding of v: an arbitrary JSON-shaped
// value (typically the result of json.Unmarshal into map[string]any, or a
// struct that marshals to one). The same logical payload always produces the
// same byte string, regardless of the original map iteration order or
// whether a number arrived as int, int64, or float64.
func Bytes(v any) ([]byte, error) {
	normalized := normalize(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return b, nil
}

// normalize recursively converts v into a representation that marshals
// deterministically: maps become sorted slices of kv pairs, numeric types
// collapse to float64, and everything else passes through unchanged.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case string:
		return t
	case bool:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		// Fall back to round-tripping through JSON so structs with json
		// tags normalize the same way a map built from their wire form would.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Sprintf("%v", t)
		}
		if _, same := generic.(map[string]any); !same {
			return normalize(generic)
		}
		// Avoid infinite recursion if round-tripping produced the same shape.
		return normalize(generic.(map[string]any))
	}
}

func normalizeMap(m map[string]any) []kv {
	if len(m) == 0 {
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv{K: k, V: normalize(m[k])})
	}
	return out
}

// Collapse trims surrounding whitespace and collapses interior runs of
// whitespace to a single space, matching the normalization applied to
// string-typed event fields before they're hashed.
func Collapse(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(s), " ")
}
