// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the idempotency ledger: a durable
// compare-and-insert store guaranteeing at-most-one successful execution
// per (scope, key). Enforcement jobs embed the UTC calendar day in the
// key, which yields the at-most-once-per-entity-per-day invariant.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/hashutil"
)

// Acquire reasons returned when the ledger refuses an acquisition.
const (
	ReasonAlreadyDone = "already_done"
	ReasonInProgress  = "in_progress"
)

// AcquireResult reports whether the caller won the (scope, key) slot and,
// if not, why.
type AcquireResult struct {
	Acquired bool   `json:"acquired"`
	Reason   string `json:"reason,omitempty"`
}

// AcquireIdempotencyKey attempts to claim (scope, key) for a request
// described by payload.
//
// Semantics:
//   - First claim inserts the row with status=started and acquires.
//   - If the existing row is done, the slot is terminal: already_done.
//   - If the existing row carries the same request hash, an identical
//     attempt is concurrently running or was retried: in_progress.
//   - A different request hash on a non-done row supersedes the stalled
//     attempt: the row is reset to started with the new hash and the
//     caller acquires.
//
// Concurrent callers race on the unique (scope, key) index; exactly one
// insert succeeds, the rest take the conflict path. No lock is held
// beyond the compare-and-insert.
func AcquireIdempotencyKey(ctx context.Context, db *gorm.DB, scope, key string, payload any) (AcquireResult, error) {
	requestHash, err := hashutil.StableHash(payload)
	if err != nil {
		return AcquireResult{}, err
	}

	rec := &domain.IdempotencyKey{
		ID:          uuid.NewString(),
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdemStarted,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err == nil {
		return AcquireResult{Acquired: true}, nil
	} else if !isDuplicateErr(err) {
		return AcquireResult{}, err
	}

	var existing domain.IdempotencyKey
	err = db.WithContext(ctx).
		Where("scope = ? AND key = ?", scope, key).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The winning insert is not visible yet; treat as a concurrent
		// identical attempt.
		return AcquireResult{Acquired: false, Reason: ReasonInProgress}, nil
	}
	if err != nil {
		return AcquireResult{}, err
	}

	if existing.Status == domain.IdemDone {
		return AcquireResult{Acquired: false, Reason: ReasonAlreadyDone}, nil
	}
	if existing.RequestHash == requestHash {
		return AcquireResult{Acquired: false, Reason: ReasonInProgress}, nil
	}

	// Different request content against a started/failed row: allow the
	// new attempt to supersede it.
	err = db.WithContext(ctx).Model(&domain.IdempotencyKey{}).
		Where("scope = ? AND key = ?", scope, key).
		Updates(map[string]any{
			"request_hash": requestHash,
			"status":       domain.IdemStarted,
		}).Error
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Acquired: true}, nil
}

// MarkIdempotencyStatus finalizes (scope, key) as done or failed.
// Callers must invoke this after side-effecting work, on success and
// failure paths alike.
func MarkIdempotencyStatus(ctx context.Context, db *gorm.DB, scope, key, status string) error {
	return db.WithContext(ctx).Model(&domain.IdempotencyKey{}).
		Where("scope = ? AND key = ?", scope, key).
		Update("status", status).Error
}

// GetIdempotencyKey loads a ledger row, mostly for tests and inspection.
func GetIdempotencyKey(ctx context.Context, db *gorm.DB, scope, key string) (*domain.IdempotencyKey, error) {
	var rec domain.IdempotencyKey
	err := db.WithContext(ctx).
		Where("scope = ? AND key = ?", scope, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
