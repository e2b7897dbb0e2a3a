// Package services – SweepService
//
// Sweeps are the nightly safety net: they re-derive every enforcement
// decision from live CRM state, so anything a missed or dropped webhook
// left undone gets caught within a day. Each sweep is bracketed by a
// JobRun row and isolates per-entity failures so one broken record
// cannot sink the batch.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/crm"
	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
)

// Sweep job names as recorded in job_runs.
const (
	JobSLASweep   = "slaSweep"
	JobLeadSweep  = "leadSweep"
	JobFieldSweep = "fieldmapRefresh"
)

// SweepStats accumulates the outcome counts of one sweep.
type SweepStats struct {
	Processed         int    `json:"processed"`
	CreatedActivities int    `json:"createdActivities"`
	StaleNudges       int    `json:"staleNudges"`
	Skipped           int    `json:"skipped"`
	Errors            int    `json:"errors"`
	Error             string `json:"error,omitempty"`
}

// SweepService runs the nightly batch jobs.
type SweepService struct {
	// DB is the GORM handle used for job runs and snapshots.
	DB *gorm.DB
	// CRM is the rate-limited gateway.
	CRM *crm.Client
	// Enforce runs the per-entity jobs.
	Enforce *EnforcementService
	// PipelineID restricts the deal sweep; 0 sweeps all pipelines.
	PipelineID int
}

// SweepDeals snapshots and enforces every open deal in the configured
// pipeline: SLA follow-up first, then the staleness nudge.
func (s *SweepService) SweepDeals(ctx context.Context, source string) (SweepStats, error) {
	run, err := repo.StartJobRun(ctx, s.DB, JobSLASweep)
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	deals, err := s.CRM.ListOpenDealsInPipeline(ctx, s.PipelineID)
	if err != nil {
		return s.failRun(ctx, run.ID, stats, err)
	}

	for _, deal := range deals {
		if !s.Enforce.isOpenDeal(deal) {
			continue
		}
		stats.Processed++

		if err := s.snapshotDeal(ctx, deal); err != nil {
			log.Error().Err(err).Int("deal_id", deal.ID).Msg("deal snapshot failed")
		}

		out, err := s.Enforce.EnforceDealSLA(ctx, deal.ID, source)
		if err != nil {
			stats.Errors++
			log.Error().Err(err).Int("deal_id", deal.ID).Msg("deal sweep enforcement failed")
			continue
		}
		if out.Created {
			stats.CreatedActivities++
		}
		if out.Skipped {
			stats.Skipped++
		}

		stale, err := s.Enforce.NudgeStaleDeal(ctx, deal.ID, source)
		if err != nil {
			stats.Errors++
			log.Error().Err(err).Int("deal_id", deal.ID).Msg("stale nudge failed")
			continue
		}
		if stale.Created {
			stats.StaleNudges++
		}
	}

	if err := repo.FinishJobRun(ctx, s.DB, run.ID, domain.JobSuccess, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// SweepLeads runs triage over every lead.
func (s *SweepService) SweepLeads(ctx context.Context, source string) (SweepStats, error) {
	run, err := repo.StartJobRun(ctx, s.DB, JobLeadSweep)
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	leads, err := s.CRM.ListLeads(ctx)
	if err != nil {
		return s.failRun(ctx, run.ID, stats, err)
	}

	for _, lead := range leads {
		stats.Processed++
		out, err := s.Enforce.TriageLead(ctx, lead.ID, source)
		if err != nil {
			stats.Errors++
			log.Error().Err(err).Str("lead_id", lead.ID).Msg("lead sweep triage failed")
			continue
		}
		if out.Created {
			stats.CreatedActivities++
		}
		if out.Skipped {
			stats.Skipped++
		}
	}

	if err := repo.FinishJobRun(ctx, s.DB, run.ID, domain.JobSuccess, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *SweepService) snapshotDeal(ctx context.Context, deal crm.Deal) error {
	if deal.StageID == nil {
		return nil
	}
	return repo.CreateDealSnapshot(ctx, s.DB, deal.ID, *deal.StageID, deal.PipelineID, deal.Value)
}

func (s *SweepService) failRun(ctx context.Context, runID string, stats SweepStats, cause error) (SweepStats, error) {
	stats.Error = cause.Error()
	if err := repo.FinishJobRun(ctx, s.DB, runID, domain.JobFailed, stats); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("finish job run failed")
	}
	return stats, cause
}
