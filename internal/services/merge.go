// Package services – MergeService
//
// Duplicate merges are the one irreversible thing the autopilot does,
// so they move through a two-step state machine: Propose records a
// candidate after running the safety guards, Execute re-checks every
// guard at commit time, performs the CRM merge, and verifies that the
// surviving record kept the combined activity history.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/crm"
	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
)

const mergeCooldown = 24 * time.Hour

// MergeProposal is the input for proposing a duplicate merge. Source is
// the record to fold into Target.
type MergeProposal struct {
	EntityType      string  // person or org
	SourceID        int
	TargetID        int
	ConfidenceScore float64
}

// MergeService runs the duplicate-merge state machine.
type MergeService struct {
	// DB is the GORM handle used for candidates and the audit trail.
	DB *gorm.DB
	// CRM is the rate-limited gateway.
	CRM *crm.Client
	// Threshold is the minimum confidence score for auto-approval.
	Threshold float64
	// DryRun audits execute decisions without mutating the CRM.
	DryRun bool
	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time
}

func (s *MergeService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MergeService) audit(ctx context.Context, in repo.AuditInput) {
	if err := repo.AppendAudit(ctx, s.DB, in); err != nil {
		log.Error().Err(err).Str("entity", in.EntityID).Str("action", in.Action).
			Msg("audit append failed")
	}
}

// Propose evaluates the safety guards and records a merge candidate.
// Below-threshold proposals are recorded as rejected; open deals on the
// source or a recent modification on either party leave the candidate
// pending for a human. Clean proposals are recorded pending with their
// pre-merge touch counts captured for the preservation check.
func (s *MergeService) Propose(ctx context.Context, in MergeProposal) (*domain.MergeCandidate, error) {
	if in.EntityType != domain.MergeEntityPerson && in.EntityType != domain.MergeEntityOrg {
		return nil, fmt.Errorf("invalid merge entity type %q", in.EntityType)
	}

	if in.ConfidenceScore < s.Threshold {
		mc, err := repo.CreateMergeCandidate(ctx, s.DB, repo.MergeCandidateInput{
			EntityType:      in.EntityType,
			SourceID:        in.SourceID,
			TargetID:        in.TargetID,
			ConfidenceScore: in.ConfidenceScore,
			Status:          domain.MergeStatusRejected,
		})
		if err != nil {
			return nil, err
		}
		s.audit(ctx, repo.AuditInput{
			EntityType: in.EntityType,
			EntityID:   strconv.Itoa(in.SourceID),
			Action:     "merge_review_rejected_confidence",
			Source:     SourceManual,
			BeforeJSON: in,
			AfterJSON:  map[string]any{"skipped": true, "threshold": s.Threshold},
		})
		return mc, nil
	}

	openDeals, err := s.openDealsFor(ctx, in.EntityType, in.SourceID)
	if err != nil {
		return nil, err
	}
	if len(openDeals) > 0 {
		mc, err := repo.CreateMergeCandidate(ctx, s.DB, repo.MergeCandidateInput{
			EntityType:      in.EntityType,
			SourceID:        in.SourceID,
			TargetID:        in.TargetID,
			ConfidenceScore: in.ConfidenceScore,
			Status:          domain.MergeStatusPending,
		})
		if err != nil {
			return nil, err
		}
		s.audit(ctx, repo.AuditInput{
			EntityType: in.EntityType,
			EntityID:   strconv.Itoa(in.SourceID),
			Action:     "merge_review_requires_human_open_deals",
			Source:     SourceManual,
			BeforeJSON: in,
			AfterJSON:  map[string]any{"skipped": true, "openDealCount": len(openDeals)},
		})
		return mc, nil
	}

	inCooldown, err := s.eitherInCooldown(ctx, in.EntityType, in.SourceID, in.TargetID)
	if err != nil {
		return nil, err
	}
	if inCooldown {
		mc, err := repo.CreateMergeCandidate(ctx, s.DB, repo.MergeCandidateInput{
			EntityType:      in.EntityType,
			SourceID:        in.SourceID,
			TargetID:        in.TargetID,
			ConfidenceScore: in.ConfidenceScore,
			Status:          domain.MergeStatusPending,
		})
		if err != nil {
			return nil, err
		}
		s.audit(ctx, repo.AuditInput{
			EntityType: in.EntityType,
			EntityID:   strconv.Itoa(in.SourceID),
			Action:     "merge_review_requires_human_cooldown",
			Source:     SourceManual,
			BeforeJSON: in,
			AfterJSON:  map[string]any{"skipped": true, "cooldownHours": int(mergeCooldown.Hours())},
		})
		return mc, nil
	}

	sourceTouches, err := s.countTouches(ctx, in.EntityType, in.SourceID)
	if err != nil {
		return nil, err
	}
	targetTouches, err := s.countTouches(ctx, in.EntityType, in.TargetID)
	if err != nil {
		return nil, err
	}

	mc, err := repo.CreateMergeCandidate(ctx, s.DB, repo.MergeCandidateInput{
		EntityType:      in.EntityType,
		SourceID:        in.SourceID,
		TargetID:        in.TargetID,
		ConfidenceScore: in.ConfidenceScore,
		Status:          domain.MergeStatusPending,
		SourceTouches:   sourceTouches,
		TargetTouches:   targetTouches,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, repo.AuditInput{
		EntityType: in.EntityType,
		EntityID:   strconv.Itoa(in.SourceID),
		Action:     "merge_review_planned",
		Source:     SourceManual,
		BeforeJSON: in,
		AfterJSON: map[string]any{
			"mergeCandidateId": mc.ID,
			"sourceTouches":    sourceTouches,
			"targetTouches":    targetTouches,
		},
	})
	return mc, nil
}

// Execute commits a previously proposed merge. Every guard is
// re-checked against live CRM state at commit time; an already executed
// candidate returns successfully without touching the CRM again.
func (s *MergeService) Execute(ctx context.Context, id string) (*domain.MergeCandidate, error) {
	mc, err := repo.GetMergeCandidate(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMergeCandidateNotFound
		}
		return nil, err
	}

	if mc.Status == domain.MergeStatusExecuted {
		return mc, nil
	}
	if mc.Status == domain.MergeStatusRejected {
		return mc, ErrMergeAlreadyRejected
	}
	if mc.ConfidenceScore < s.Threshold {
		return mc, ErrConfidenceTooLow
	}

	openDeals, err := s.openDealsFor(ctx, mc.EntityType, mc.SourceID)
	if err != nil {
		return mc, err
	}
	if len(openDeals) > 0 {
		return mc, ErrSourceHasOpenDeals
	}

	inCooldown, err := s.eitherInCooldown(ctx, mc.EntityType, mc.SourceID, mc.TargetID)
	if err != nil {
		return mc, err
	}
	if inCooldown {
		return mc, ErrCooldownActive
	}

	expected := mc.SourceTouches + mc.TargetTouches
	if expected == 0 {
		// Touch counts were not captured at proposal time (guarded
		// proposals skip the count). Capture them now.
		src, err := s.countTouches(ctx, mc.EntityType, mc.SourceID)
		if err != nil {
			return mc, err
		}
		dst, err := s.countTouches(ctx, mc.EntityType, mc.TargetID)
		if err != nil {
			return mc, err
		}
		expected = src + dst
	}

	if s.DryRun {
		s.audit(ctx, repo.AuditInput{
			EntityType: mc.EntityType,
			EntityID:   strconv.Itoa(mc.SourceID),
			Action:     "merge_execute",
			Source:     SourceManual,
			BeforeJSON: mc,
			AfterJSON:  map[string]any{"dryRun": true, "expectedTouches": expected},
		})
		if err := repo.SetMergeCandidateStatus(ctx, s.DB, mc.ID, domain.MergeStatusApproved); err != nil {
			return mc, err
		}
		mc.Status = domain.MergeStatusApproved
		return mc, nil
	}

	if err := s.mergeEntities(ctx, mc.EntityType, mc.SourceID, mc.TargetID); err != nil {
		return mc, err
	}

	after, err := s.countTouches(ctx, mc.EntityType, mc.TargetID)
	if err != nil {
		return mc, err
	}
	if after < expected {
		s.audit(ctx, repo.AuditInput{
			EntityType: mc.EntityType,
			EntityID:   strconv.Itoa(mc.SourceID),
			Action:     "merge_activity_preservation_failed",
			Source:     SourceManual,
			BeforeJSON: map[string]any{"expectedTouches": expected},
			AfterJSON:  map[string]any{"targetTouches": after},
		})
		// Terminal failure state. The CRM-side merge is irreversible, so
		// there is no compensating action beyond the audit entry.
		if err := repo.SetMergeCandidateStatus(ctx, s.DB, mc.ID, domain.MergeStatusRejected); err != nil {
			log.Error().Err(err).Str("candidate", mc.ID).Msg("mark merge rejected failed")
		}
		mc.Status = domain.MergeStatusRejected
		return mc, ErrActivityPreservationFailed
	}

	if err := repo.SetMergeCandidateStatus(ctx, s.DB, mc.ID, domain.MergeStatusExecuted); err != nil {
		return mc, err
	}
	mc.Status = domain.MergeStatusExecuted

	s.audit(ctx, repo.AuditInput{
		EntityType: mc.EntityType,
		EntityID:   strconv.Itoa(mc.SourceID),
		Action:     "merge_execute",
		Source:     SourceManual,
		BeforeJSON: map[string]any{"sourceId": mc.SourceID, "targetId": mc.TargetID, "expectedTouches": expected},
		AfterJSON:  map[string]any{"dryRun": false, "targetTouches": after},
	})
	return mc, nil
}

func (s *MergeService) openDealsFor(ctx context.Context, entityType string, id int) ([]crm.Deal, error) {
	if entityType == domain.MergeEntityPerson {
		return s.CRM.ListPersonOpenDeals(ctx, id)
	}
	return s.CRM.ListOrgOpenDeals(ctx, id)
}

// countTouches is the activity count plus the note count of one entity.
func (s *MergeService) countTouches(ctx context.Context, entityType string, id int) (int, error) {
	var (
		activities []crm.Activity
		err        error
	)
	if entityType == domain.MergeEntityPerson {
		activities, err = s.CRM.ListPersonActivities(ctx, id)
	} else {
		activities, err = s.CRM.ListOrgActivities(ctx, id)
	}
	if err != nil {
		return 0, err
	}
	notes, err := s.listEntityNotes(ctx, entityType, id)
	if err != nil {
		return 0, err
	}
	return len(activities) + len(notes), nil
}

func (s *MergeService) listEntityNotes(ctx context.Context, entityType string, id int) ([]crm.Note, error) {
	q := crm.Query{"org_id": id}
	if entityType == domain.MergeEntityPerson {
		q = crm.Query{"person_id": id}
	}
	env, err := s.CRM.Do(ctx, http.MethodGet, "/v1/notes", q, nil)
	if err != nil {
		return nil, err
	}
	var notes []crm.Note
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &notes); err != nil {
			return nil, fmt.Errorf("decode entity notes: %w", err)
		}
	}
	return notes, nil
}

func (s *MergeService) eitherInCooldown(ctx context.Context, entityType string, sourceID, targetID int) (bool, error) {
	for _, id := range []int{sourceID, targetID} {
		updated, err := s.lastModified(ctx, entityType, id)
		if err != nil {
			return false, err
		}
		if !updated.IsZero() && s.now().Sub(updated) < mergeCooldown {
			return true, nil
		}
	}
	return false, nil
}

func (s *MergeService) lastModified(ctx context.Context, entityType string, id int) (time.Time, error) {
	var addTime, updateTime string
	if entityType == domain.MergeEntityPerson {
		p, err := s.CRM.GetPerson(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		addTime, updateTime = p.AddTime, p.UpdateTime
	} else {
		o, err := s.CRM.GetOrg(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		addTime, updateTime = o.AddTime, o.UpdateTime
	}
	if t, ok := crm.ParseTime(updateTime); ok {
		return t, nil
	}
	if t, ok := crm.ParseTime(addTime); ok {
		return t, nil
	}
	return time.Time{}, nil
}

func (s *MergeService) mergeEntities(ctx context.Context, entityType string, sourceID, targetID int) error {
	var err error
	if entityType == domain.MergeEntityPerson {
		_, err = s.CRM.MergePersons(ctx, sourceID, targetID)
	} else {
		_, err = s.CRM.MergeOrgs(ctx, sourceID, targetID)
	}
	return err
}
