// Package domain defines the persistence models for the autopilot
// engine: inbound events, the audit trail, merge candidates, sweep runs,
// and supporting caches. These types are mapped with GORM and shared
// across the repository and service layers.
package domain

import (
	"encoding/json"
	"time"
)

// Event statuses.
const (
	EventQueued     = "queued"
	EventProcessing = "processing"
	EventProcessed  = "processed"
	EventFailed     = "failed"
)

// Event is an inbound CRM change notification. Rows are keyed by the
// canonical content hash of the payload, which makes duplicate delivery
// a unique-constraint violation at insert time. Events are never deleted;
// the dispatcher moves them to processed or failed.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ContentHash: canonical SHA-256 of the payload; unique.
//   - Payload: the raw JSON payload as received.
//   - Status: queued | processing | processed | failed.
//   - ProcessedAt: set when the dispatcher finishes with the event.
type Event struct {
	ID          string          `json:"id"           gorm:"type:char(36);primaryKey"`
	ContentHash string          `json:"content_hash" gorm:"type:char(64);not null;uniqueIndex:ux_events_hash"`
	Payload     json.RawMessage `json:"payload"      gorm:"type:text;not null"`
	Status      string          `json:"status"       gorm:"type:varchar(16);not null;default:'queued';index"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// MergeCandidate statuses and entity types.
const (
	MergeStatusPending  = "pending"
	MergeStatusApproved = "approved"
	MergeStatusRejected = "rejected"
	MergeStatusExecuted = "executed"

	MergeEntityPerson = "person"
	MergeEntityOrg    = "org"
)

// MergeCandidate tracks a proposed duplicate-entity merge through the
// safety state machine. Status is the single source of truth for merge
// progress; ExecutedAt is set only on a successful commit. The pre-merge
// touch counts captured at proposal time feed the post-merge
// activity-preservation check.
type MergeCandidate struct {
	ID              string     `json:"id"               gorm:"type:char(36);primaryKey"`
	EntityType      string     `json:"entity_type"      gorm:"type:varchar(16);not null;check:entity_type IN ('person','org')"`
	SourceID        int        `json:"source_id"        gorm:"not null;index"`
	TargetID        int        `json:"target_id"        gorm:"not null;index"`
	ConfidenceScore float64    `json:"confidence_score" gorm:"not null"`
	Status          string     `json:"status"           gorm:"type:varchar(16);not null;index"`
	SourceTouches   int        `json:"source_touches"   gorm:"not null;default:0"`
	TargetTouches   int        `json:"target_touches"   gorm:"not null;default:0"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for MergeCandidate.
func (MergeCandidate) TableName() string { return "merge_candidates" }

// Audit sources.
const (
	SourceWebhook = "webhook"
	SourceNightly = "nightly"
	SourceManual  = "manual"
)

// AuditEntry is one append-only record of an automation decision: what
// entity it concerned, the action taken (or skipped), the trigger source,
// and JSON snapshots of the state before and after. The audit trail is
// telemetry, not authoritative state.
type AuditEntry struct {
	ID         string          `json:"id"          gorm:"type:char(36);primaryKey"`
	EntityType string          `json:"entity_type" gorm:"type:varchar(32);not null;index:idx_audit_entity,priority:1"`
	EntityID   string          `json:"entity_id"   gorm:"type:varchar(64);not null;index:idx_audit_entity,priority:2"`
	Action     string          `json:"action"      gorm:"type:varchar(64);not null;index"`
	Source     string          `json:"source"      gorm:"type:varchar(16);not null"`
	BeforeJSON json.RawMessage `json:"before_json,omitempty" gorm:"type:text"`
	AfterJSON  json.RawMessage `json:"after_json,omitempty"  gorm:"type:text"`
	CreatedAt  time.Time       `json:"created_at"  gorm:"index:idx_audit_entity,priority:3"`
}

// TableName returns the database table name for AuditEntry.
func (AuditEntry) TableName() string { return "audit_entries" }

// JobRun statuses.
const (
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// JobRun brackets one sweep invocation with start/finish timestamps and
// the accumulated stats as JSON.
type JobRun struct {
	ID         string          `json:"id"          gorm:"type:char(36);primaryKey"`
	JobName    string          `json:"job_name"    gorm:"type:varchar(64);not null;index"`
	Status     string          `json:"status"      gorm:"type:varchar(16);not null"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty" gorm:"type:text"`
}

// TableName returns the database table name for JobRun.
func (JobRun) TableName() string { return "job_runs" }

// DealSnapshot is a point-in-time capture of a deal's stage and value,
// persisted by sweeps before enforcement runs so pipeline movement can be
// reconstructed independently of enforcement outcomes.
type DealSnapshot struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	DealID     int       `json:"deal_id"     gorm:"not null;index"`
	StageID    int       `json:"stage_id"    gorm:"not null"`
	PipelineID *int      `json:"pipeline_id,omitempty"`
	Value      *float64  `json:"value,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for DealSnapshot.
func (DealSnapshot) TableName() string { return "deal_snapshots" }

// FieldMap caches CRM field metadata per entity type so custom-field keys
// can be resolved without a round trip. Refreshed on demand via the admin
// endpoint.
type FieldMap struct {
	ID         string          `json:"id"          gorm:"type:char(36);primaryKey"`
	EntityType string          `json:"entity_type" gorm:"type:varchar(16);not null;uniqueIndex:ux_fieldmap_entity_key,priority:1"`
	FieldKey   string          `json:"field_key"   gorm:"type:varchar(128);not null;uniqueIndex:ux_fieldmap_entity_key,priority:2"`
	Name       string          `json:"name"        gorm:"type:varchar(255);not null"`
	FieldType  string          `json:"field_type"  gorm:"type:varchar(64);not null;default:'unknown'"`
	Options    json.RawMessage `json:"options,omitempty" gorm:"type:text"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TableName returns the database table name for FieldMap.
func (FieldMap) TableName() string { return "field_maps" }
