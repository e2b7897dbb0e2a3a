// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for merge
// candidates, whose status column is the single source of truth for
// merge progress.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
)

// MergeCandidateInput carries the fields of a new candidate row.
type MergeCandidateInput struct {
	EntityType      string
	SourceID        int
	TargetID        int
	ConfidenceScore float64
	Status          string
	SourceTouches   int
	TargetTouches   int
}

// CreateMergeCandidate inserts a candidate with reviewed_at stamped now.
func CreateMergeCandidate(ctx context.Context, db *gorm.DB, in MergeCandidateInput) (*domain.MergeCandidate, error) {
	now := time.Now().UTC()
	mc := &domain.MergeCandidate{
		ID:              uuid.NewString(),
		EntityType:      in.EntityType,
		SourceID:        in.SourceID,
		TargetID:        in.TargetID,
		ConfidenceScore: in.ConfidenceScore,
		Status:          in.Status,
		SourceTouches:   in.SourceTouches,
		TargetTouches:   in.TargetTouches,
		ReviewedAt:      &now,
		CreatedAt:       now,
	}
	if err := db.WithContext(ctx).Create(mc).Error; err != nil {
		return nil, err
	}
	return mc, nil
}

// GetMergeCandidate loads a candidate by id or returns ErrNotFound.
func GetMergeCandidate(ctx context.Context, db *gorm.DB, id string) (*domain.MergeCandidate, error) {
	var mc domain.MergeCandidate
	err := db.WithContext(ctx).Where("id = ?", id).First(&mc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

// SetMergeCandidateStatus updates a candidate's status. When the new
// status is executed, executed_at is stamped as well.
func SetMergeCandidateStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	updates := map[string]any{"status": status}
	if status == domain.MergeStatusExecuted {
		now := time.Now().UTC()
		updates["executed_at"] = &now
	}
	return db.WithContext(ctx).Model(&domain.MergeCandidate{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListMergeCandidatesByStatus returns candidates in a given status,
// oldest first, for review listings.
func ListMergeCandidatesByStatus(ctx context.Context, db *gorm.DB, status string, limit int) ([]domain.MergeCandidate, error) {
	var items []domain.MergeCandidate
	err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
