// Package fingerprint computes a stable content hash over a chat
// completion request body, insensitive to key order and to the
// presence of fields that vary run-to-run without changing the
// semantics of the request (spec.md §4.1).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ignoredKeys are stripped from the body at every nesting depth before
// hashing, the way internal/auth/auth.go hashes only the bytes that
// matter for equality, never incidental ones.
var ignoredKeys = map[string]bool{
	"stream":     true,
	"request_id": true,
	"timestamp":  true,
}

// Normalize recursively sorts mapping keys, strips the ignored keys,
// and maps sequences element-wise. Primitives pass through unchanged;
// a nil value normalizes to the explicit null marker.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			if ignoredKeys[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys) // encoding/json already sorts map keys; explicit for clarity at the call site
		for _, k := range keys {
			out[k] = Normalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case nil:
		return nil
	default:
		return t
	}
}

// Hash serializes the normalized body to compact UTF-8 JSON and returns
// the lowercase hex SHA-256 digest. It fails only on serialization
// errors from unsupported values.
func Hash(body map[string]any) (string, error) {
	normalized := Normalize(body)
	serialized, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint: serialize normalized body: %w", err)
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}
