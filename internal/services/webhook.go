// Package services – webhook payload parsing
//
// CRM webhook payloads arrive in several shapes depending on the
// account's webhook version. This file normalizes them into a tagged
// variant (deal, lead, or unknown) plus the delivery metadata needed by
// the loop-protection checks.
package services

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MarkerPrefix tags every note and activity the autopilot writes so
// that its own webhook echoes can be recognized and skipped.
const MarkerPrefix = "[AUTOPILOT]"

// Webhook entity kinds.
const (
	WebhookDeal    = "deal"
	WebhookLead    = "lead"
	WebhookUnknown = "unknown"
)

// ParsedWebhook is the normalized form of an inbound webhook payload.
type ParsedWebhook struct {
	Type   string // deal, lead, or unknown
	DealID int    // set when Type is deal
	LeadID string // set when Type is lead
	Action string
}

// WebhookMeta carries the delivery metadata used for loop protection.
type WebhookMeta struct {
	UserID       int // acting user, 0 when absent
	IsBulkUpdate bool
}

func toNumber(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, false
		}
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.Itoa(int(s))
	}
	return ""
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// ParseWebhookPayload classifies a raw webhook body as a deal or lead
// event. Unrecognized shapes come back as unknown rather than erroring
// so they can be audited and marked processed.
func ParseWebhookPayload(raw json.RawMessage) ParsedWebhook {
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil || value == nil {
		return ParsedWebhook{Type: WebhookUnknown}
	}

	meta := asMap(value["meta"])
	object := strings.ToLower(toString(firstNonNil(meta["object"], value["object"])))
	action := strings.ToLower(toString(firstNonNil(meta["action"], value["action"])))

	current := asMap(firstNonNil(value["current"], value["data"]))

	if object == "deal" || object == "deals" {
		if id, ok := toNumber(firstNonNil(current["id"], value["id"])); ok {
			return ParsedWebhook{Type: WebhookDeal, DealID: id, Action: action}
		}
	}
	if object == "lead" || object == "leads" {
		if id, ok := firstNonNil(current["id"], value["id"]).(string); ok && strings.TrimSpace(id) != "" {
			return ParsedWebhook{Type: WebhookLead, LeadID: id, Action: action}
		}
	}

	// Legacy shapes carry flat deal_id / lead_id fields instead.
	if id, ok := toNumber(firstNonNil(value["deal_id"], current["deal_id"], current["id"])); ok {
		event := toString(value["event"]) + toString(meta["object"])
		if strings.Contains(event, "deal") {
			return ParsedWebhook{Type: WebhookDeal, DealID: id, Action: action}
		}
	}
	if id, ok := firstNonNil(value["lead_id"], current["lead_id"], current["id"]).(string); ok && strings.TrimSpace(id) != "" {
		return ParsedWebhook{Type: WebhookLead, LeadID: id, Action: action}
	}

	return ParsedWebhook{Type: WebhookUnknown, Action: action}
}

// ParseWebhookMeta extracts the acting user and bulk-update flag from
// the payload's meta block.
func ParseWebhookMeta(raw json.RawMessage) WebhookMeta {
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil || value == nil {
		return WebhookMeta{}
	}
	meta := asMap(value["meta"])

	out := WebhookMeta{}
	if id, ok := toNumber(firstNonNil(meta["user_id"], value["user_id"])); ok {
		out.UserID = id
	}
	switch b := firstNonNil(meta["bulk_update"], meta["is_bulk_update"], value["is_bulk_update"]).(type) {
	case bool:
		out.IsBulkUpdate = b
	case float64:
		out.IsBulkUpdate = b != 0
	}
	return out
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// EntityID returns the parsed entity's identifier for audit records,
// or "unknown" when the payload could not be classified.
func (p ParsedWebhook) EntityID() string {
	switch p.Type {
	case WebhookDeal:
		return strconv.Itoa(p.DealID)
	case WebhookLead:
		return p.LeadID
	}
	return "unknown"
}

// HasMarkerPrefix reports whether note content carries the autopilot
// marker.
func HasMarkerPrefix(content string) bool {
	return strings.Contains(content, MarkerPrefix)
}

// StageAllowed reports whether a deal's stage falls inside the
// configured active set. An empty set allows every stage; a deal
// without a stage id is excluded once a set is configured.
func StageAllowed(activeStageIDs []int, stageID *int) bool {
	if len(activeStageIDs) == 0 {
		return true
	}
	if stageID == nil {
		return false
	}
	for _, id := range activeStageIDs {
		if id == *stageID {
			return true
		}
	}
	return false
}
