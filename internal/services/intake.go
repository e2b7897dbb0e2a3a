// Package services – IntakeService
//
// Intake is the front door for CRM webhooks: hash the payload, store it
// exactly once, and hand the hash to the queue. Everything slow or
// fallible happens later in the worker, which keeps webhook responses
// fast even when the CRM or the queue is struggling.
package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/hashutil"
	"github.com/averos/crm-autopilot/internal/queue"
	"github.com/averos/crm-autopilot/internal/repo"
)

// JobProcessWebhookEvent is the queue job name for event processing.
const JobProcessWebhookEvent = "processWebhookEvent"

// Enqueuer is the queue contract required by IntakeService.
type Enqueuer interface {
	Enqueue(job queue.Job) error
}

// IntakeService persists inbound webhook events and schedules their
// processing.
type IntakeService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Queue receives one processWebhookEvent job per stored event.
	Queue Enqueuer
}

// IntakeResult reports how an inbound payload was handled.
type IntakeResult struct {
	// EventHash is the canonical content hash of the payload.
	EventHash string
	// Duplicate is true when the same payload was already stored.
	Duplicate bool
}

// Ingest stores a webhook payload keyed by its canonical hash and
// enqueues processing. Replays of a payload already stored are
// acknowledged without a second row or a second job.
func (s *IntakeService) Ingest(ctx context.Context, payload []byte) (IntakeResult, error) {
	hash, err := hashutil.StableHashBytes(payload)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("hash webhook payload: %w", err)
	}

	if _, err := repo.CreateEvent(ctx, s.DB, hash, payload); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return IntakeResult{EventHash: hash, Duplicate: true}, nil
		}
		return IntakeResult{}, fmt.Errorf("store webhook event: %w", err)
	}

	err = s.Queue.Enqueue(queue.Job{
		ID:      hash,
		Name:    JobProcessWebhookEvent,
		Payload: hash,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		// The event row survives; a sweep or manual replay can pick it
		// up even though scheduling failed.
		return IntakeResult{EventHash: hash}, fmt.Errorf("enqueue webhook event: %w", err)
	}
	return IntakeResult{EventHash: hash}, nil
}
