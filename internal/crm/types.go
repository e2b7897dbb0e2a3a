// Package crm implements the rate-limited gateway to the external CRM.
// This file defines the wire types for the CRM surface the autopilot
// consumes: deals, leads, activities, notes, persons, organizations, and
// field metadata, all wrapped in the generic {data, additional_data}
// envelope.
package crm

import (
	"encoding/json"
	"time"

	"github.com/averos/crm-autopilot/internal/timeutil"
)

// Envelope is the generic CRM response wrapper.
type Envelope struct {
	Success        *bool           `json:"success,omitempty"`
	Data           json.RawMessage `json:"data"`
	AdditionalData *AdditionalData `json:"additional_data,omitempty"`
}

// AdditionalData carries pagination metadata for both endpoint
// generations: cursor-based (v2) and offset-based (v1).
type AdditionalData struct {
	NextCursor *string     `json:"next_cursor,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination is the offset-based pagination block of v1 list endpoints.
type Pagination struct {
	Start                 int  `json:"start"`
	Limit                 int  `json:"limit"`
	MoreItemsInCollection bool `json:"more_items_in_collection"`
	NextStart             int  `json:"next_start"`
}

// FlexID tolerates the two shapes the CRM uses for linked-entity ids:
// a bare number or an object {"value": n}. Valid is false for null or
// absent values.
type FlexID struct {
	Value int
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	f.Value, f.Valid = 0, false
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		f.Value, f.Valid = n, true
		return nil
	}
	var obj struct {
		Value *int `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err == nil && obj.Value != nil {
		f.Value, f.Valid = *obj.Value, true
	}
	// Unrecognized shapes stay invalid rather than failing the decode.
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexID) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// LabeledValue is one entry of a person's email or phone list.
type LabeledValue struct {
	Value   string `json:"value,omitempty"`
	Label   string `json:"label,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Deal is a CRM deal record.
type Deal struct {
	ID              int      `json:"id"`
	Title           string   `json:"title,omitempty"`
	Status          string   `json:"status,omitempty"`
	StageID         *int     `json:"stage_id,omitempty"`
	PipelineID      *int     `json:"pipeline_id,omitempty"`
	Value           *float64 `json:"value,omitempty"`
	AddTime         string   `json:"add_time,omitempty"`
	UpdateTime      string   `json:"update_time,omitempty"`
	StageChangeTime string   `json:"stage_change_time,omitempty"`
	WonTime         string   `json:"won_time,omitempty"`
	LostTime        string   `json:"lost_time,omitempty"`
	LostReason      *string  `json:"lost_reason,omitempty"`
	PersonID        FlexID   `json:"person_id,omitempty"`
	OrgID           FlexID   `json:"org_id,omitempty"`
}

// Lead is a CRM lead record. Lead ids are strings, unlike deals.
type Lead struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	AddTime        string   `json:"add_time,omitempty"`
	UpdateTime     string   `json:"update_time,omitempty"`
	PersonID       FlexID   `json:"person_id,omitempty"`
	OrganizationID FlexID   `json:"organization_id,omitempty"`
	OwnerID        FlexID   `json:"owner_id,omitempty"`
	LabelIDs       []string `json:"label_ids,omitempty"`
}

// Activity is a CRM task or meeting attached to a deal or lead.
type Activity struct {
	ID         int     `json:"id"`
	Subject    string  `json:"subject,omitempty"`
	Type       string  `json:"type,omitempty"`
	Done       bool    `json:"done,omitempty"`
	DueDate    string  `json:"due_date,omitempty"`
	DueTime    string  `json:"due_time,omitempty"`
	DoneDate   string  `json:"done_date,omitempty"`
	AddTime    string  `json:"add_time,omitempty"`
	UpdateTime string  `json:"update_time,omitempty"`
	DealID     *int    `json:"deal_id,omitempty"`
	LeadID     *string `json:"lead_id,omitempty"`
}

// DueAt resolves the activity's due instant in UTC. A missing due time
// defaults to 23:59 UTC on the due date.
func (a Activity) DueAt() (time.Time, bool) {
	return timeutil.DueAtUTC(a.DueDate, a.DueTime)
}

// Note is a CRM note attached to a deal or lead.
type Note struct {
	ID      int     `json:"id"`
	Content string  `json:"content,omitempty"`
	AddTime string  `json:"add_time,omitempty"`
	UserID  int     `json:"user_id,omitempty"`
	DealID  *int    `json:"deal_id,omitempty"`
	LeadID  *string `json:"lead_id,omitempty"`
}

// Person is a CRM person record.
type Person struct {
	ID         int            `json:"id"`
	Name       string         `json:"name,omitempty"`
	Email      []LabeledValue `json:"email,omitempty"`
	Phone      []LabeledValue `json:"phone,omitempty"`
	OrgID      FlexID         `json:"org_id,omitempty"`
	AddTime    string         `json:"add_time,omitempty"`
	UpdateTime string         `json:"update_time,omitempty"`
}

// PrimaryEmail returns the first email entry that looks like an address.
func (p Person) PrimaryEmail() string {
	for _, e := range p.Email {
		if e.Value != "" && containsAt(e.Value) {
			return e.Value
		}
	}
	return ""
}

func containsAt(s string) bool {
	for _, r := range s {
		if r == '@' {
			return true
		}
	}
	return false
}

// Org is a CRM organization record.
type Org struct {
	ID         int     `json:"id"`
	Name       string  `json:"name,omitempty"`
	Address    string  `json:"address,omitempty"`
	Website    *string `json:"website,omitempty"`
	Domain     *string `json:"domain,omitempty"`
	Web        *string `json:"web,omitempty"`
	AddTime    string  `json:"add_time,omitempty"`
	UpdateTime string  `json:"update_time,omitempty"`
}

// DomainLike returns the first website-ish field containing a dot, or ""
// when the org carries no usable domain signal.
func (o Org) DomainLike() string {
	for _, v := range []*string{o.Domain, o.Website, o.Web} {
		if v != nil && containsDot(*v) {
			return *v
		}
	}
	return ""
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}

// Field is one CRM field-metadata record.
type Field struct {
	ID        int             `json:"id"`
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	FieldType string          `json:"field_type,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// FieldEntityType enumerates the entity types with field metadata.
type FieldEntityType string

// Field metadata entity types.
const (
	FieldEntityDeal   FieldEntityType = "deal"
	FieldEntityLead   FieldEntityType = "lead"
	FieldEntityPerson FieldEntityType = "person"
	FieldEntityOrg    FieldEntityType = "org"
)

// ParseTime parses the CRM's timestamp formats: RFC 3339 or the legacy
// "2006-01-02 15:04:05" (UTC) form.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// HasFutureActivity reports whether any undone activity is due strictly
// after now. Activities without a resolvable due instant never count.
func HasFutureActivity(activities []Activity, now time.Time) bool {
	for _, a := range activities {
		if a.Done {
			continue
		}
		if due, ok := a.DueAt(); ok && due.After(now) {
			return true
		}
	}
	return false
}

// HasActivityWithinDays reports whether any undone activity is due in
// [now, now + businessDays business days + 24h]. The trailing day of
// slack keeps date-only activities on the boundary day inside the
// window.
func HasActivityWithinDays(activities []Activity, businessDays int, now time.Time) bool {
	upper := timeutil.AddBusinessDays(now, businessDays).Add(24 * time.Hour)
	for _, a := range activities {
		if a.Done {
			continue
		}
		due, ok := a.DueAt()
		if !ok {
			continue
		}
		if !due.Before(now) && !due.After(upper) {
			return true
		}
	}
	return false
}
