// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides JobRun bracketing for sweeps plus
// deal snapshots and the field metadata cache.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
)

// StartJobRun inserts a running JobRun row and returns its id.
func StartJobRun(ctx context.Context, db *gorm.DB, jobName string) (*domain.JobRun, error) {
	run := &domain.JobRun{
		ID:        uuid.NewString(),
		JobName:   jobName,
		Status:    domain.JobRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// FinishJobRun finalizes a run with its terminal status and stats JSON.
func FinishJobRun(ctx context.Context, db *gorm.DB, id, status string, stats any) error {
	raw, err := marshalOrNil(stats)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.JobRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"finished_at": &now,
			"stats":       json.RawMessage(raw),
		}).Error
}

// CreateDealSnapshot persists a point-in-time capture of a deal's stage
// and value. Deals without a numeric stage are skipped by callers.
func CreateDealSnapshot(ctx context.Context, db *gorm.DB, dealID, stageID int, pipelineID *int, value *float64) error {
	snap := &domain.DealSnapshot{
		ID:         uuid.NewString(),
		DealID:     dealID,
		StageID:    stageID,
		PipelineID: pipelineID,
		Value:      value,
		CreatedAt:  time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(snap).Error
}

// UpsertFieldMap creates or refreshes one cached field-metadata row keyed
// by (entity_type, field_key).
func UpsertFieldMap(ctx context.Context, db *gorm.DB, entityType, fieldKey, name, fieldType string, options any) error {
	raw, err := marshalOrNil(options)
	if err != nil {
		return err
	}
	if fieldType == "" {
		fieldType = "unknown"
	}

	var existing domain.FieldMap
	err = db.WithContext(ctx).
		Where("entity_type = ? AND field_key = ?", entityType, fieldKey).
		First(&existing).Error
	if err == nil {
		return db.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"name":       name,
			"field_type": fieldType,
			"options":    json.RawMessage(raw),
		}).Error
	}

	row := &domain.FieldMap{
		ID:         uuid.NewString(),
		EntityType: entityType,
		FieldKey:   fieldKey,
		Name:       name,
		FieldType:  fieldType,
		Options:    raw,
		CreatedAt:  time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(row).Error
}
