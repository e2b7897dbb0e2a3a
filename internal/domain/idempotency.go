// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// IdempotencyKey statuses.
const (
	IdemStarted = "started"
	IdemDone    = "done"
	IdemFailed  = "failed"
)

// IdempotencyKey is one row of the durable idempotency ledger, keyed by
// (scope, key). Concurrent attempts to enforce the same entity on the
// same day race on the unique index; exactly one insert wins. The key
// embeds the UTC calendar day, so rows expire logically with day
// rollover and never need cleanup.
type IdempotencyKey struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	Scope       string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_idem_scope_key,priority:1"`
	Key         string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_idem_scope_key,priority:2"`
	RequestHash string    `gorm:"type:char(64);not null"`
	Status      string    `gorm:"type:varchar(16);not null;default:'started'"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time
}

// TableName implements the GORM tabler interface.
func (IdempotencyKey) TableName() string { return "idempotency_keys" }
