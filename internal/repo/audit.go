// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only audit trail.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
)

// AuditInput describes one audit record to append. BeforeJSON and
// AfterJSON accept any JSON-serializable value.
type AuditInput struct {
	EntityType string
	EntityID   string
	Action     string
	Source     string
	BeforeJSON any
	AfterJSON  any
}

// AppendAudit writes one audit entry. Audit writes are best-effort
// telemetry; callers log failures but do not abort the surrounding job.
func AppendAudit(ctx context.Context, db *gorm.DB, in AuditInput) error {
	before, err := marshalOrNil(in.BeforeJSON)
	if err != nil {
		return err
	}
	after, err := marshalOrNil(in.AfterJSON)
	if err != nil {
		return err
	}

	entry := &domain.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Action:     in.Action,
		Source:     in.Source,
		BeforeJSON: before,
		AfterJSON:  after,
		CreatedAt:  time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(entry).Error
}

// ListAuditByEntity returns audit entries for one entity, newest first.
func ListAuditByEntity(ctx context.Context, db *gorm.DB, entityType, entityID string, offset, limit int) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountAuditByEntity returns the total number of audit entries for one
// entity (pagination support).
func CountAuditByEntity(ctx context.Context, db *gorm.DB, entityType, entityID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.AuditEntry{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Count(&count).Error
	return count, err
}

func marshalOrNil(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
