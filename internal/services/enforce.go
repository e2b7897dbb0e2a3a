// Package services – EnforcementService
//
// Enforcement is where the autopilot actually changes CRM state: SLA
// follow-ups on open deals, qualification tasks on thin leads, and
// nudges on stale deals. Every mutation path is wrapped in a per-entity
// per-day idempotency key, guarded against webhook echoes, and audited
// whether it ran for real or in dry-run.
package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/config"
	"github.com/averos/crm-autopilot/internal/crm"
	"github.com/averos/crm-autopilot/internal/deeplink"
	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
	"github.com/averos/crm-autopilot/internal/scoring"
	"github.com/averos/crm-autopilot/internal/timeutil"
)

// Echo-guard and nudge windows.
const (
	echoWindow          = 10 * time.Minute
	echoNoteLimit       = 20
	staleNoteWindowDays = 7
	staleNoteLimit      = 25
)

// Idempotency scopes, one per enforcement job.
const (
	ScopeSLADealEnforce   = "job:slaDealEnforce"
	ScopeLeadTriage       = "job:leadTriageEnforce"
	ScopeStaleDealNudge   = "job:staleDealNudge"
	staleNudgeNoteContent = "Stale deal - consider advancing or closing"
)

// Audit sources, aliased from the domain package.
const (
	SourceWebhook = domain.SourceWebhook
	SourceNightly = domain.SourceNightly
	SourceManual  = domain.SourceManual
)

// Outcome summarizes one enforcement attempt.
type Outcome struct {
	Created bool
	Skipped bool
}

// EnforcementService runs the per-entity hygiene jobs against the CRM.
type EnforcementService struct {
	// DB is the GORM handle used for the ledger and audit trail.
	DB *gorm.DB
	// CRM is the rate-limited gateway.
	CRM *crm.Client
	// Policy holds the enforcement knobs.
	Policy config.AutopilotConfig
	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time
}

func (s *EnforcementService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *EnforcementService) audit(ctx context.Context, in repo.AuditInput) {
	if err := repo.AppendAudit(ctx, s.DB, in); err != nil {
		log.Error().Err(err).Str("entity", in.EntityID).Str("action", in.Action).
			Msg("audit append failed")
	}
}

// ProcessEvent runs the stored webhook event identified by its content
// hash through loop protection and the matching enforcement job, then
// marks the event processed. Failures mark the event failed and return
// the error so the queue can retry.
func (s *EnforcementService) ProcessEvent(ctx context.Context, eventHash string) error {
	event, err := repo.GetEventByHash(ctx, s.DB, eventHash)
	if err != nil {
		log.Warn().Str("event_hash", eventHash).Msg("webhook event not found")
		return nil
	}
	if event.Status == domain.EventProcessed {
		return nil
	}

	if err := s.processEvent(ctx, event); err != nil {
		if merr := repo.MarkEventStatus(ctx, s.DB, eventHash, domain.EventFailed); merr != nil {
			log.Error().Err(merr).Str("event_hash", eventHash).Msg("mark event failed")
		}
		return err
	}
	return repo.MarkEventStatus(ctx, s.DB, eventHash, domain.EventProcessed)
}

func (s *EnforcementService) processEvent(ctx context.Context, event *domain.Event) error {
	parsed := ParseWebhookPayload(event.Payload)
	meta := ParseWebhookMeta(event.Payload)

	if s.Policy.BotUserID != 0 && meta.UserID == s.Policy.BotUserID {
		s.audit(ctx, repo.AuditInput{
			EntityType: parsed.Type,
			EntityID:   parsed.EntityID(),
			Action:     "loop_protection_bot_user",
			Source:     SourceWebhook,
			BeforeJSON: map[string]any{"userId": meta.UserID, "botUserId": s.Policy.BotUserID},
			AfterJSON:  map[string]any{"skipped": true},
		})
		return nil
	}
	if meta.IsBulkUpdate {
		s.audit(ctx, repo.AuditInput{
			EntityType: parsed.Type,
			EntityID:   parsed.EntityID(),
			Action:     "skip_bulk_update",
			Source:     SourceWebhook,
			BeforeJSON: map[string]any{"isBulkUpdate": true},
			AfterJSON:  map[string]any{"skipped": true},
		})
		return nil
	}

	switch parsed.Type {
	case WebhookDeal:
		echo, err := s.recentAutopilotTouch(ctx, &parsed.DealID, nil)
		if err != nil {
			return err
		}
		if echo {
			log.Info().Int("deal_id", parsed.DealID).Msg("skipping deal webhook echo")
			return nil
		}
		_, err = s.EnforceDealSLA(ctx, parsed.DealID, SourceWebhook)
		return err
	case WebhookLead:
		echo, err := s.recentAutopilotTouch(ctx, nil, &parsed.LeadID)
		if err != nil {
			return err
		}
		if echo {
			log.Info().Str("lead_id", parsed.LeadID).Msg("skipping lead webhook echo")
			return nil
		}
		_, err = s.TriageLead(ctx, parsed.LeadID, SourceWebhook)
		return err
	}
	return nil
}

// recentAutopilotTouch is the echo guard: it scans the newest notes on
// the entity for the autopilot marker within a short window. A hit
// means the triggering webhook is almost certainly our own write
// echoing back.
func (s *EnforcementService) recentAutopilotTouch(ctx context.Context, dealID *int, leadID *string) (bool, error) {
	var (
		notes []crm.Note
		err   error
	)
	switch {
	case dealID != nil:
		notes, err = s.CRM.ListDealNotes(ctx, *dealID, echoNoteLimit)
	case leadID != nil:
		notes, err = s.CRM.ListLeadNotes(ctx, *leadID, echoNoteLimit)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list notes for echo guard: %w", err)
	}

	since := s.now().Add(-echoWindow)
	for _, note := range notes {
		if !HasMarkerPrefix(note.Content) {
			continue
		}
		if added, ok := crm.ParseTime(note.AddTime); ok && !added.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *EnforcementService) isOpenDeal(deal crm.Deal) bool {
	if deal.Status != "" && deal.Status != "open" {
		return false
	}
	return StageAllowed(s.Policy.ActiveStageIDs, deal.StageID)
}

// EnforceDealSLA guarantees that an open deal carries a future
// activity, creating a follow-up task and note when none exists. The
// check runs at most once per deal per UTC day.
func (s *EnforcementService) EnforceDealSLA(ctx context.Context, dealID int, source string) (Outcome, error) {
	key := fmt.Sprintf("%d:%s", dealID, timeutil.DayKey(s.now()))

	acq, err := repo.AcquireIdempotencyKey(ctx, s.DB, ScopeSLADealEnforce, key,
		map[string]any{"dealId": dealID, "source": source})
	if err != nil {
		return Outcome{}, err
	}
	if !acq.Acquired {
		return Outcome{Skipped: true}, nil
	}

	out, err := s.enforceDealSLA(ctx, dealID, source)
	if err != nil {
		s.markIdem(ctx, ScopeSLADealEnforce, key, domain.IdemFailed)
		return out, err
	}
	s.markIdem(ctx, ScopeSLADealEnforce, key, domain.IdemDone)
	return out, nil
}

func (s *EnforcementService) enforceDealSLA(ctx context.Context, dealID int, source string) (Outcome, error) {
	deal, err := s.CRM.GetDeal(ctx, dealID)
	if err != nil {
		return Outcome{}, err
	}
	if !s.isOpenDeal(deal) {
		return Outcome{Skipped: true}, nil
	}

	activities, err := s.CRM.ListDealActivities(ctx, dealID)
	if err != nil {
		return Outcome{}, err
	}
	if crm.HasFutureActivity(activities, s.now()) {
		s.audit(ctx, repo.AuditInput{
			EntityType: "deal",
			EntityID:   strconv.Itoa(dealID),
			Action:     "sla_enforce",
			Source:     source,
			BeforeJSON: map[string]any{"futureActivityExists": true},
			AfterJSON:  map[string]any{"skipped": true},
		})
		return Outcome{Skipped: true}, nil
	}

	dueDate := timeutil.DateYYYYMMDD(timeutil.AddBusinessDays(s.now(), s.Policy.SLAFollowupBusinessDays))
	created, err := s.maybeCreateActivityAndNote(ctx, touchInput{
		source:     source,
		entityType: "deal",
		entityID:   strconv.Itoa(dealID),
		subject:    "Follow-up",
		dueDate:    dueDate,
		dealID:     &dealID,
		noteText:   "No future activity found for open deal. Added follow-up task.",
		action:     "sla_enforce",
		beforeJSON: map[string]any{"deal": deal, "activitiesChecked": len(activities)},
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Created: created}, nil
}

// TriageLead guarantees that a lead either carries contact signals and
// a near-term qualification activity, or gains a qualification task.
// The check runs at most once per lead per UTC day.
func (s *EnforcementService) TriageLead(ctx context.Context, leadID string, source string) (Outcome, error) {
	key := fmt.Sprintf("%s:%s", leadID, timeutil.DayKey(s.now()))

	acq, err := repo.AcquireIdempotencyKey(ctx, s.DB, ScopeLeadTriage, key,
		map[string]any{"leadId": leadID, "source": source})
	if err != nil {
		return Outcome{}, err
	}
	if !acq.Acquired {
		return Outcome{Skipped: true}, nil
	}

	out, err := s.triageLead(ctx, leadID, source)
	if err != nil {
		s.markIdem(ctx, ScopeLeadTriage, key, domain.IdemFailed)
		return out, err
	}
	s.markIdem(ctx, ScopeLeadTriage, key, domain.IdemDone)
	return out, nil
}

func (s *EnforcementService) triageLead(ctx context.Context, leadID string, source string) (Outcome, error) {
	lead, err := s.CRM.GetLead(ctx, leadID)
	if err != nil {
		return Outcome{}, err
	}

	var (
		person *crm.Person
		org    *crm.Org
	)
	if lead.PersonID.Valid {
		p, err := s.CRM.GetPerson(ctx, lead.PersonID.Value)
		if err != nil {
			return Outcome{}, err
		}
		person = &p
	}
	if lead.OrganizationID.Valid {
		o, err := s.CRM.GetOrg(ctx, lead.OrganizationID.Value)
		if err != nil {
			return Outcome{}, err
		}
		org = &o
	}

	email := ""
	if person != nil {
		email = person.PrimaryEmail()
	}
	orgDomain := ""
	if org != nil {
		orgDomain = org.DomainLike()
	}
	missingSignals := email == "" && orgDomain == "" && !lead.PersonID.Valid
	score := scoring.ScoreLead(lead, person, org, s.now())

	activities, err := s.CRM.ListLeadActivities(ctx, leadID)
	if err != nil {
		return Outcome{}, err
	}
	hasQualActivitySoon := crm.HasActivityWithinDays(activities, s.Policy.SLAFutureActivityDays, s.now())

	if !missingSignals && hasQualActivitySoon {
		s.audit(ctx, repo.AuditInput{
			EntityType: "lead",
			EntityID:   leadID,
			Action:     "lead_triage",
			Source:     source,
			BeforeJSON: map[string]any{"missingSignals": missingSignals, "hasQualActivitySoon": hasQualActivitySoon, "leadScore": score},
			AfterJSON:  map[string]any{"skipped": true},
		})
		return Outcome{Skipped: true}, nil
	}

	noteText := "No qualification activity in SLA window. Added qualification activity."
	if missingSignals {
		noteText = "Missing key lead info (email/person/org domain). Added qualification activity."
	}
	dueDate := timeutil.DateYYYYMMDD(timeutil.AddBusinessDays(s.now(), s.Policy.SLAFollowupBusinessDays))
	created, err := s.maybeCreateActivityAndNote(ctx, touchInput{
		source:     source,
		entityType: "lead",
		entityID:   leadID,
		subject:    "Lead qualification",
		dueDate:    dueDate,
		leadID:     &leadID,
		noteText:   noteText,
		action:     "lead_triage",
		beforeJSON: map[string]any{
			"lead":                lead,
			"missingSignals":      missingSignals,
			"hasQualActivitySoon": hasQualActivitySoon,
			"email":               email,
			"orgDomain":           orgDomain,
			"leadScore":           score,
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Created: created}, nil
}

// NudgeStaleDeal drops a marker note on an open deal whose latest touch
// is older than the staleness threshold, at most once per repeat
// window.
func (s *EnforcementService) NudgeStaleDeal(ctx context.Context, dealID int, source string) (Outcome, error) {
	key := fmt.Sprintf("%d:%s", dealID, timeutil.DayKey(s.now()))

	acq, err := repo.AcquireIdempotencyKey(ctx, s.DB, ScopeStaleDealNudge, key,
		map[string]any{"dealId": dealID, "source": source})
	if err != nil {
		return Outcome{}, err
	}
	if !acq.Acquired {
		return Outcome{Skipped: true}, nil
	}

	out, err := s.nudgeStaleDeal(ctx, dealID, source)
	if err != nil {
		s.markIdem(ctx, ScopeStaleDealNudge, key, domain.IdemFailed)
		return out, err
	}
	s.markIdem(ctx, ScopeStaleDealNudge, key, domain.IdemDone)
	return out, nil
}

func (s *EnforcementService) nudgeStaleDeal(ctx context.Context, dealID int, source string) (Outcome, error) {
	deal, err := s.CRM.GetDeal(ctx, dealID)
	if err != nil {
		return Outcome{}, err
	}
	if !s.isOpenDeal(deal) {
		return Outcome{Skipped: true}, nil
	}

	touch, ok := latestDealTouch(deal)
	if !ok {
		return Outcome{Skipped: true}, nil
	}
	ageDays := s.now().Sub(touch).Hours() / 24
	if ageDays <= float64(s.Policy.StaleDays) {
		return Outcome{Skipped: true}, nil
	}

	notes, err := s.CRM.ListDealNotes(ctx, dealID, staleNoteLimit)
	if err != nil {
		return Outcome{}, err
	}
	window := s.now().Add(-time.Duration(staleNoteWindowDays) * 24 * time.Hour)
	for _, note := range notes {
		if !HasMarkerPrefix(note.Content) || !containsStaleMarker(note.Content) {
			continue
		}
		if added, ok := crm.ParseTime(note.AddTime); ok && !added.Before(window) {
			s.audit(ctx, repo.AuditInput{
				EntityType: "deal",
				EntityID:   strconv.Itoa(dealID),
				Action:     "stale_deal_nudge",
				Source:     source,
				BeforeJSON: map[string]any{"dealId": dealID, "ageDays": ageDays},
				AfterJSON:  map[string]any{"skipped": true, "reason": "recent_nudge_exists"},
			})
			return Outcome{Skipped: true}, nil
		}
	}

	content := MarkerPrefix + " " + staleNudgeNoteContent
	if s.Policy.DryRun {
		s.audit(ctx, repo.AuditInput{
			EntityType: "deal",
			EntityID:   strconv.Itoa(dealID),
			Action:     "stale_deal_nudge",
			Source:     source,
			BeforeJSON: map[string]any{"dealId": dealID, "ageDays": ageDays},
			AfterJSON:  map[string]any{"dryRun": true, "content": content},
		})
		return Outcome{Created: true}, nil
	}

	if _, err := s.CRM.CreateNote(ctx, crm.NoteInput{DealID: &dealID, Content: content}); err != nil {
		return Outcome{}, err
	}
	s.audit(ctx, repo.AuditInput{
		EntityType: "deal",
		EntityID:   strconv.Itoa(dealID),
		Action:     "stale_deal_nudge",
		Source:     source,
		BeforeJSON: map[string]any{"dealId": dealID, "ageDays": ageDays},
		AfterJSON:  map[string]any{"dryRun": false, "created": true},
	})
	return Outcome{Created: true}, nil
}

func containsStaleMarker(content string) bool {
	return strings.Contains(content, "Stale deal")
}

// latestDealTouch returns the most recent of the deal's stage change,
// update, and creation times.
func latestDealTouch(deal crm.Deal) (time.Time, bool) {
	for _, candidate := range []string{deal.StageChangeTime, deal.UpdateTime, deal.AddTime} {
		if t, ok := crm.ParseTime(candidate); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

type touchInput struct {
	source     string
	entityType string
	entityID   string
	subject    string
	dueDate    string
	dealID     *int
	leadID     *string
	noteText   string
	action     string
	beforeJSON any
}

// maybeCreateActivityAndNote creates the marker activity and note, or
// in dry-run only audits what would have been created.
func (s *EnforcementService) maybeCreateActivityAndNote(ctx context.Context, in touchInput) (bool, error) {
	if s.Policy.DryRun {
		s.audit(ctx, repo.AuditInput{
			EntityType: in.entityType,
			EntityID:   in.entityID,
			Action:     in.action,
			Source:     in.source,
			BeforeJSON: in.beforeJSON,
			AfterJSON: map[string]any{
				"dryRun": true,
				"wouldCreate": map[string]any{
					"subject":  in.subject,
					"dueDate":  in.dueDate,
					"noteText": in.noteText,
				},
			},
		})
		return true, nil
	}

	activity, err := s.CRM.CreateActivity(ctx, crm.ActivityInput{
		Subject: MarkerPrefix + " " + in.subject,
		Type:    "task",
		DueDate: in.dueDate,
		DealID:  in.dealID,
		LeadID:  in.leadID,
	})
	if err != nil {
		return false, err
	}

	content := MarkerPrefix + " " + in.noteText
	if link := s.entityLink(in); link != "" {
		content += "\n" + link
	}
	if _, err := s.CRM.CreateNote(ctx, crm.NoteInput{
		DealID:  in.dealID,
		LeadID:  in.leadID,
		Content: content,
	}); err != nil {
		return false, err
	}

	s.audit(ctx, repo.AuditInput{
		EntityType: in.entityType,
		EntityID:   in.entityID,
		Action:     in.action,
		Source:     in.source,
		BeforeJSON: in.beforeJSON,
		AfterJSON: map[string]any{
			"dryRun":            false,
			"createdActivityId": activity.ID,
			"dueDate":           in.dueDate,
		},
	})
	return true, nil
}

func (s *EnforcementService) entityLink(in touchInput) string {
	switch in.entityType {
	case "deal":
		return deeplink.URL(deeplink.EntityDeal, in.entityID, s.Policy.CompanyDomain, "")
	case "lead":
		return deeplink.URL(deeplink.EntityLead, in.entityID, s.Policy.CompanyDomain, "")
	}
	return ""
}

func (s *EnforcementService) markIdem(ctx context.Context, scope, key, status string) {
	if err := repo.MarkIdempotencyStatus(ctx, s.DB, scope, key, status); err != nil {
		log.Error().Err(err).Str("scope", scope).Str("key", key).Msg("mark idempotency status failed")
	}
}
