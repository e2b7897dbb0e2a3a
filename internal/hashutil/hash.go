// Package hashutil computes canonical content hashes for arbitrary JSON
// payloads. Hashes are stable across object key ordering at any nesting
// depth and deterministic across platforms, which makes them usable as
// dedup keys for inbound events and as request fingerprints for the
// idempotency ledger.
package hashutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// StableStringify serializes v as canonical JSON: object keys are sorted
// recursively, arrays keep their order, and numbers keep their original
// textual form when v originates from raw JSON.
func StableStringify(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hashutil: marshal: %w", err)
	}
	return canonicalize(raw)
}

// StableHash returns the lowercase hex SHA-256 of the canonical JSON form
// of v.
func StableHash(v any) (string, error) {
	s, err := StableStringify(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// StableHashBytes canonicalizes a raw JSON document and returns its
// SHA-256 hex digest. Byte-for-byte different encodings of the same
// logical document (key order, whitespace) hash identically.
func StableHashBytes(raw []byte) (string, error) {
	s, err := canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize decodes raw JSON preserving number text, deep-sorts all
// object keys, and re-encodes without HTML escaping or indentation.
func canonicalize(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("hashutil: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		// Strings, bools, nil. Encode without HTML escaping so the hash
		// does not depend on encoder defaults.
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return err
		}
		// json.Encoder appends a newline; strip it.
		b := buf.Bytes()
		if len(b) > 0 && b[len(b)-1] == '\n' {
			buf.Truncate(len(b) - 1)
		}
		return nil
	}
}
