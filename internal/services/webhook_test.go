package services

import (
	"encoding/json"
	"testing"
)

func TestParseWebhookPayload(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want ParsedWebhook
	}{
		{
			"v2 deal shape",
			`{"meta":{"object":"deal","action":"updated"},"current":{"id":42}}`,
			ParsedWebhook{Type: WebhookDeal, DealID: 42, Action: "updated"},
		},
		{
			"deal id as string",
			`{"meta":{"object":"deals"},"current":{"id":"42"}}`,
			ParsedWebhook{Type: WebhookDeal, DealID: 42},
		},
		{
			"lead shape",
			`{"meta":{"object":"lead","action":"added"},"current":{"id":"ld-9"}}`,
			ParsedWebhook{Type: WebhookLead, LeadID: "ld-9", Action: "added"},
		},
		{
			"legacy flat deal id",
			`{"event":"deal.updated","deal_id":17}`,
			ParsedWebhook{Type: WebhookDeal, DealID: 17},
		},
		{
			"legacy flat lead id",
			`{"lead_id":"ld-3"}`,
			ParsedWebhook{Type: WebhookLead, LeadID: "ld-3"},
		},
		{
			"unclassifiable",
			`{"meta":{"object":"note"},"current":{"id":5}}`,
			ParsedWebhook{Type: WebhookUnknown},
		},
		{
			"not an object",
			`[1,2,3]`,
			ParsedWebhook{Type: WebhookUnknown},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseWebhookPayload(json.RawMessage(tc.in))
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseWebhookMeta(t *testing.T) {
	m := ParseWebhookMeta(json.RawMessage(`{"meta":{"user_id":777,"bulk_update":true}}`))
	if m.UserID != 777 || !m.IsBulkUpdate {
		t.Fatalf("got %+v", m)
	}
	m = ParseWebhookMeta(json.RawMessage(`{"meta":{}}`))
	if m.UserID != 0 || m.IsBulkUpdate {
		t.Fatalf("got %+v", m)
	}
}

func TestEntityID(t *testing.T) {
	if got := (ParsedWebhook{Type: WebhookDeal, DealID: 42}).EntityID(); got != "42" {
		t.Errorf("deal EntityID = %q", got)
	}
	if got := (ParsedWebhook{Type: WebhookLead, LeadID: "ld-1"}).EntityID(); got != "ld-1" {
		t.Errorf("lead EntityID = %q", got)
	}
	if got := (ParsedWebhook{Type: WebhookUnknown}).EntityID(); got != "unknown" {
		t.Errorf("unknown EntityID = %q", got)
	}
}

func TestStageAllowed(t *testing.T) {
	three := 3
	if !StageAllowed(nil, nil) {
		t.Error("empty set should allow everything")
	}
	if !StageAllowed([]int{3, 5}, &three) {
		t.Error("listed stage should be allowed")
	}
	nine := 9
	if StageAllowed([]int{3, 5}, &nine) {
		t.Error("unlisted stage should be rejected")
	}
	if StageAllowed([]int{3}, nil) {
		t.Error("missing stage should be rejected once a set is configured")
	}
}

func TestHasMarkerPrefix(t *testing.T) {
	if !HasMarkerPrefix("[AUTOPILOT] Follow-up") {
		t.Error("marker content should match")
	}
	if HasMarkerPrefix("manual note") {
		t.Error("plain content should not match")
	}
	if HasMarkerPrefix("") {
		t.Error("empty content should not match")
	}
}
