package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
)

func newMergeService(db *gorm.DB, f *fakeCRM) *MergeService {
	return &MergeService{
		DB:        db,
		CRM:       f.client(),
		Threshold: 0.85,
		Now:       func() time.Time { return testNow },
	}
}

// registerOrgPair wires a source/target org pair with no open deals,
// timestamps outside the cooldown, and one activity plus one note each.
func registerOrgPair(f *fakeCRM, sourceID, targetID int) {
	for _, id := range []int{sourceID, targetID} {
		base := fmt.Sprintf("/v1/organizations/%d", id)
		f.respond(base, map[string]any{
			"id": id, "name": fmt.Sprintf("org %d", id), "update_time": "2025-01-01 00:00:00",
		})
		f.respond(base+"/deals", []any{})
		f.respond(base+"/activities", []any{
			map[string]any{"id": 1},
		})
	}
	f.handle("/v1/notes", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []any{map[string]any{"id": 2}})
	})
}

func TestMergePropose_BelowThresholdRejected(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.5,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if mc.Status != domain.MergeStatusRejected {
		t.Fatalf("status = %s, want rejected", mc.Status)
	}
	if n := countAudits(t, db, "merge_review_rejected_confidence"); n != 1 {
		t.Fatalf("expected rejection audit, got %d", n)
	}
}

func TestMergePropose_OpenDealsRequireHuman(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	f.respond("/v1/organizations/7/deals", []any{map[string]any{"id": 1, "status": "open"}})
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.95,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if mc.Status != domain.MergeStatusPending {
		t.Fatalf("status = %s, want pending", mc.Status)
	}
	if n := countAudits(t, db, "merge_review_requires_human_open_deals"); n != 1 {
		t.Fatalf("expected open-deals audit, got %d", n)
	}
}

func TestMergePropose_CooldownRequiresHuman(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	f.respond("/v1/organizations/7/deals", []any{})
	// Target modified an hour ago, inside the 24h cooldown.
	f.respond("/v1/organizations/7", map[string]any{"id": 7, "update_time": "2025-01-01 00:00:00"})
	f.respond("/v1/organizations/8", map[string]any{"id": 8, "update_time": "2025-03-10 11:00:00"})
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.95,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if mc.Status != domain.MergeStatusPending {
		t.Fatalf("status = %s, want pending", mc.Status)
	}
	if n := countAudits(t, db, "merge_review_requires_human_cooldown"); n != 1 {
		t.Fatalf("expected cooldown audit, got %d", n)
	}
}

func TestMergePropose_CleanCapturesTouchCounts(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	registerOrgPair(f, 7, 8)
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.95,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if mc.Status != domain.MergeStatusPending {
		t.Fatalf("status = %s, want pending", mc.Status)
	}
	if mc.SourceTouches != 2 || mc.TargetTouches != 2 {
		t.Fatalf("touches = (%d,%d), want (2,2)", mc.SourceTouches, mc.TargetTouches)
	}
}

func TestMergeExecute_HappyPathAndIdempotent(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	registerOrgPair(f, 7, 8)
	f.respond("/v1/organizations/7/merge", map[string]any{"id": 8})
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.95,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// After the merge the target must hold at least the combined four
	// touches: serve three activities plus one note.
	f.respond("/v1/organizations/8/activities", []any{
		map[string]any{"id": 1}, map[string]any{"id": 2}, map[string]any{"id": 3},
	})

	executed, err := svc.Execute(context.Background(), mc.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != domain.MergeStatusExecuted {
		t.Fatalf("status = %s, want executed", executed.Status)
	}
	if len(f.mutationsTo("/v1/organizations/7/merge")) != 1 {
		t.Fatal("expected one merge call")
	}

	// Executing again must not touch the CRM a second time.
	again, err := svc.Execute(context.Background(), mc.ID)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if again.Status != domain.MergeStatusExecuted {
		t.Fatalf("second status = %s", again.Status)
	}
	if len(f.mutationsTo("/v1/organizations/7/merge")) != 1 {
		t.Fatal("idempotent execute must not merge twice")
	}
}

func TestMergeExecute_PreservationFailure(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	registerOrgPair(f, 7, 8)
	f.respond("/v1/organizations/7/merge", map[string]any{"id": 8})
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.95,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// Expected touches are four; leaving the pair handlers in place
	// means the target still reports two after the merge.
	_, err = svc.Execute(context.Background(), mc.ID)
	if !errors.Is(err, ErrActivityPreservationFailed) {
		t.Fatalf("expected ErrActivityPreservationFailed, got %v", err)
	}
	if n := countAudits(t, db, "merge_activity_preservation_failed"); n != 1 {
		t.Fatalf("expected preservation audit, got %d", n)
	}

	// The failure state is terminal: the candidate lands on rejected.
	got, err := repo.GetMergeCandidate(context.Background(), db, mc.ID)
	if err != nil {
		t.Fatalf("reload candidate: %v", err)
	}
	if got.Status != domain.MergeStatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
}

func TestMergeExecute_GuardRechecks(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	registerOrgPair(f, 7, 8)
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.95,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// A deal opened on the source between propose and execute blocks
	// the commit.
	f.respond("/v1/organizations/7/deals", []any{map[string]any{"id": 1, "status": "open"}})

	_, err = svc.Execute(context.Background(), mc.ID)
	if !errors.Is(err, ErrSourceHasOpenDeals) {
		t.Fatalf("expected ErrSourceHasOpenDeals, got %v", err)
	}
	if f.mutationCount() != 0 {
		t.Fatal("guarded execute must not merge")
	}
}

func TestMergeExecute_RejectedAndMissing(t *testing.T) {
	db := newTestDB(t)
	f := newFakeCRM(t)
	svc := newMergeService(db, f)

	mc, err := svc.Propose(context.Background(), MergeProposal{
		EntityType: domain.MergeEntityOrg, SourceID: 7, TargetID: 8, ConfidenceScore: 0.2,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := svc.Execute(context.Background(), mc.ID); !errors.Is(err, ErrMergeAlreadyRejected) {
		t.Fatalf("expected ErrMergeAlreadyRejected, got %v", err)
	}
	if _, err := svc.Execute(context.Background(), "no-such-id"); !errors.Is(err, ErrMergeCandidateNotFound) {
		t.Fatalf("expected ErrMergeCandidateNotFound, got %v", err)
	}
}
