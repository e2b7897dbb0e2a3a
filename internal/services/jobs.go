// Package services – job dispatch
//
// This file binds job names to their handlers for the in-process queue
// and exposes the manual trigger used by the admin API.
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/averos/crm-autopilot/internal/queue"
)

// Per-entity job names accepted by the dispatcher.
const (
	JobSLADealEnforce    = "slaDealEnforce"
	JobLeadTriageEnforce = "leadTriageEnforce"
	JobStaleDealNudge    = "staleDealNudge"
)

// DealJobPayload targets one deal.
type DealJobPayload struct {
	DealID int
	Source string
}

// LeadJobPayload targets one lead.
type LeadJobPayload struct {
	LeadID string
	Source string
}

// Dispatcher owns the services behind every queue job.
type Dispatcher struct {
	Enforce  *EnforcementService
	Sweep    *SweepService
	FieldMap *FieldMapService
	Queue    Enqueuer
}

// Handlers returns the job-name to handler map for queue construction.
func (d *Dispatcher) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		JobProcessWebhookEvent: func(ctx context.Context, job queue.Job) error {
			hash, ok := job.Payload.(string)
			if !ok {
				return &queue.Permanent{Err: fmt.Errorf("bad payload for %s", job.Name)}
			}
			return d.Enforce.ProcessEvent(ctx, hash)
		},
		JobSLADealEnforce: func(ctx context.Context, job queue.Job) error {
			p, ok := job.Payload.(DealJobPayload)
			if !ok {
				return &queue.Permanent{Err: fmt.Errorf("bad payload for %s", job.Name)}
			}
			_, err := d.Enforce.EnforceDealSLA(ctx, p.DealID, p.Source)
			return err
		},
		JobLeadTriageEnforce: func(ctx context.Context, job queue.Job) error {
			p, ok := job.Payload.(LeadJobPayload)
			if !ok {
				return &queue.Permanent{Err: fmt.Errorf("bad payload for %s", job.Name)}
			}
			_, err := d.Enforce.TriageLead(ctx, p.LeadID, p.Source)
			return err
		},
		JobStaleDealNudge: func(ctx context.Context, job queue.Job) error {
			p, ok := job.Payload.(DealJobPayload)
			if !ok {
				return &queue.Permanent{Err: fmt.Errorf("bad payload for %s", job.Name)}
			}
			_, err := d.Enforce.NudgeStaleDeal(ctx, p.DealID, p.Source)
			return err
		},
		JobSLASweep: func(ctx context.Context, job queue.Job) error {
			source, _ := job.Payload.(string)
			if source == "" {
				source = SourceNightly
			}
			_, err := d.Sweep.SweepDeals(ctx, source)
			return err
		},
		JobLeadSweep: func(ctx context.Context, job queue.Job) error {
			source, _ := job.Payload.(string)
			if source == "" {
				source = SourceNightly
			}
			_, err := d.Sweep.SweepLeads(ctx, source)
			return err
		},
		JobFieldSweep: func(ctx context.Context, job queue.Job) error {
			_, err := d.FieldMap.Refresh(ctx)
			return err
		},
	}
}

// TriggerJob schedules a named job manually. Sweeps run with a fresh
// job ID; unknown names return ErrUnknownJob.
func (d *Dispatcher) TriggerJob(name string) (string, error) {
	switch name {
	case JobSLASweep, JobLeadSweep, JobFieldSweep:
	default:
		return "", ErrUnknownJob
	}

	id := fmt.Sprintf("%s:%s:%s", SourceManual, name, uuid.NewString())
	err := d.Queue.Enqueue(queue.Job{ID: id, Name: name, Payload: SourceManual})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ScheduleSweeps enqueues the nightly batch: deal sweep, lead sweep,
// and field-map refresh. Called by the ticker in main.
func (d *Dispatcher) ScheduleSweeps(dayKey string) {
	for _, name := range []string{JobSLASweep, JobLeadSweep, JobFieldSweep} {
		id := fmt.Sprintf("%s:%s:%s", SourceNightly, name, dayKey)
		if err := d.Queue.Enqueue(queue.Job{ID: id, Name: name, Payload: SourceNightly}); err != nil {
			// Duplicate means this day's sweep is already queued.
			continue
		}
	}
}
