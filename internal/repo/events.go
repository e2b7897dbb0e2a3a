// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for inbound
// events, which are deduplicated by canonical content hash at insert
// time.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
)

// CreateEvent inserts a queued event row keyed by contentHash and returns
// ErrDuplicate when an event with the same hash was already seen.
func CreateEvent(ctx context.Context, db *gorm.DB, contentHash string, payload json.RawMessage) (*domain.Event, error) {
	ev := &domain.Event{
		ID:          uuid.NewString(),
		ContentHash: contentHash,
		Payload:     payload,
		Status:      domain.EventQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isDuplicateErr(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return ev, nil
}

// GetEventByHash loads an event by its content hash or returns ErrNotFound.
func GetEventByHash(ctx context.Context, db *gorm.DB, contentHash string) (*domain.Event, error) {
	var ev domain.Event
	err := db.WithContext(ctx).Where("content_hash = ?", contentHash).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkEventStatus transitions an event to processed or failed and stamps
// processed_at. Events are never deleted.
func MarkEventStatus(ctx context.Context, db *gorm.DB, contentHash, status string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.Event{}).
		Where("content_hash = ?", contentHash).
		Updates(map[string]any{
			"status":       status,
			"processed_at": &now,
		}).Error
}
