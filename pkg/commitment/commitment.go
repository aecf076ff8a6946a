// Copyright 2026 Mandala Network
//
// Canonical serialization and hashing helpers.
// Every signature in the system is made over the canonical JSON encoding
// produced here (deterministic key order, stable formatting), so signers and
// verifiers agree byte-for-byte.

package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical marshals v to canonical JSON: map keys sorted recursively,
// array order retained. v may be any JSON-marshalable value.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-encodes arbitrary JSON bytes deterministically.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return marshalCanonical(v)
}

// marshalCanonical writes a value with sorted object keys. The tree is first
// rebuilt from plain maps and slices; encoding/json then emits the keys of
// every map, at every nesting level, in sorted order.
func marshalCanonical(v interface{}) ([]byte, error) {
	return json.Marshal(canonicalizeValue(v))
}

func canonicalizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = canonicalizeValue(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return vv
	}
}

// HashCanonical returns SHA-256 over the canonical encoding of v.
func HashCanonical(v interface{}) ([]byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Hash returns SHA-256 of the concatenated byte slices.
func Hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HashHex returns the lower-hex SHA-256 of the concatenated byte slices.
func HashHex(parts ...[]byte) string {
	return hex.EncodeToString(Hash(parts...))
}

// ZeroHash is the 32-byte genesis predecessor hash.
var ZeroHash = make([]byte, sha256.Size)
