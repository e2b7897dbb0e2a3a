package hashutil

import (
	"strings"
	"testing"
)

func TestStableHashBytes_KeyOrderInvariant(t *testing.T) {
	a := []byte(`{"b":1,"a":{"y":true,"x":[1,2,{"k":"v","j":null}]}}`)
	b := []byte(`{"a":{"x":[1,2,{"j":null,"k":"v"}],"y":true},"b":1}`)

	ha, err := StableHashBytes(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := StableHashBytes(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical hashes, got %s vs %s", ha, hb)
	}
	if len(ha) != 64 || strings.ToLower(ha) != ha {
		t.Fatalf("expected lowercase sha256 hex, got %q", ha)
	}
}

func TestStableHashBytes_WhitespaceInvariant(t *testing.T) {
	a := []byte(`{"a": 1, "b": [1, 2]}`)
	b := []byte(`{"a":1,"b":[1,2]}`)

	ha, _ := StableHashBytes(a)
	hb, _ := StableHashBytes(b)
	if ha != hb {
		t.Fatalf("whitespace changed hash: %s vs %s", ha, hb)
	}
}

func TestStableHashBytes_DistinctPayloadsDiffer(t *testing.T) {
	ha, _ := StableHashBytes([]byte(`{"a":1}`))
	hb, _ := StableHashBytes([]byte(`{"a":2}`))
	if ha == hb {
		t.Fatalf("distinct payloads produced identical hash %s", ha)
	}
}

func TestStableHashBytes_ArrayOrderSignificant(t *testing.T) {
	ha, _ := StableHashBytes([]byte(`{"a":[1,2]}`))
	hb, _ := StableHashBytes([]byte(`{"a":[2,1]}`))
	if ha == hb {
		t.Fatalf("array reorder must change hash")
	}
}

func TestStableStringify_NumbersKeepTextualForm(t *testing.T) {
	s, err := StableStringify(map[string]any{"v": 12345678901234567})
	if err != nil {
		t.Fatalf("stringify: %v", err)
	}
	if !strings.Contains(s, "12345678901234567") {
		t.Fatalf("large integer lost precision: %s", s)
	}
}

func TestStableHash_GoValueMatchesRawJSON(t *testing.T) {
	hv, err := StableHash(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("hash value: %v", err)
	}
	hr, err := StableHashBytes([]byte(`{"a":"x","b":1}`))
	if err != nil {
		t.Fatalf("hash raw: %v", err)
	}
	if hv != hr {
		t.Fatalf("value/raw hash mismatch: %s vs %s", hv, hr)
	}
}

func TestStableHashBytes_InvalidJSON(t *testing.T) {
	if _, err := StableHashBytes([]byte(`{"a":`)); err == nil {
		t.Fatalf("expected error for truncated JSON")
	}
}
