package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
	"github.com/averos/crm-autopilot/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique in-memory database per test to avoid schema leakage.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Event{}, &domain.MergeCandidate{}, &domain.AuditEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

//
// Fakes
//

type fakeIngestor struct {
	res services.IntakeResult
	err error
	got []byte
}

func (f *fakeIngestor) Ingest(_ context.Context, payload []byte) (services.IntakeResult, error) {
	f.got = payload
	return f.res, f.err
}

type fakeTrigger struct {
	id  string
	err error
}

func (f *fakeTrigger) TriggerJob(string) (string, error) { return f.id, f.err }

type fakeMerges struct {
	proposed   *services.MergeProposal
	candidate  *domain.MergeCandidate
	proposeErr error
	executeErr error
}

func (f *fakeMerges) Propose(_ context.Context, in services.MergeProposal) (*domain.MergeCandidate, error) {
	f.proposed = &in
	return f.candidate, f.proposeErr
}

func (f *fakeMerges) Execute(_ context.Context, _ string) (*domain.MergeCandidate, error) {
	return f.candidate, f.executeErr
}

type fakeFields struct {
	stats services.FieldMapStats
	err   error
}

func (f *fakeFields) Refresh(context.Context) (services.FieldMapStats, error) {
	return f.stats, f.err
}

type deps struct {
	ingestor *fakeIngestor
	trigger  *fakeTrigger
	merges   *fakeMerges
	fields   *fakeFields
	db       *gorm.DB
}

func newRouter(t *testing.T, secret string) (*gin.Engine, *deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := &deps{
		ingestor: &fakeIngestor{},
		trigger:  &fakeTrigger{},
		merges:   &fakeMerges{},
		fields:   &fakeFields{},
		db:       newTestDB(t),
	}
	h := New(d.ingestor, d.trigger, d.merges, d.fields, d.db, secret)

	r := gin.New()
	r.POST("/webhooks/crm", h.ReceiveEvent)
	r.POST("/admin/jobs/run/:name", h.RunJob)
	r.POST("/admin/merge-candidates", h.ProposeMerge)
	r.GET("/admin/merge-candidates/:id", h.GetMergeCandidate)
	r.POST("/admin/merge-candidates/:id/execute", h.ExecuteMerge)
	r.GET("/admin/audit/:entityType/:entityId", h.ListAudit)
	r.POST("/admin/fieldmap/refresh", h.RefreshFieldMap)
	return r, d
}

func do(r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, w.Body.String())
	}
	return resp.Code
}

//
// Webhook intake
//

func TestReceiveEvent_Accepted(t *testing.T) {
	r, d := newRouter(t, "s3cret")
	d.ingestor.res = services.IntakeResult{EventHash: "abc123"}

	w := do(r, http.MethodPost, "/webhooks/crm", `{"event":"updated.deal"}`,
		map[string]string{HeaderWebhookToken: "s3cret"})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var ack WebhookAck
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Deduped || ack.EventHash != "abc123" {
		t.Fatalf("ack = %+v", ack)
	}
	if string(d.ingestor.got) != `{"event":"updated.deal"}` {
		t.Fatalf("ingested payload = %s", d.ingestor.got)
	}
}

func TestReceiveEvent_DuplicateReturns200(t *testing.T) {
	r, d := newRouter(t, "s3cret")
	d.ingestor.res = services.IntakeResult{EventHash: "abc123", Duplicate: true}

	w := do(r, http.MethodPost, "/webhooks/crm", `{"event":"updated.deal"}`,
		map[string]string{HeaderWebhookToken: "s3cret"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"deduped":true`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestReceiveEvent_BadToken(t *testing.T) {
	r, d := newRouter(t, "s3cret")

	w := do(r, http.MethodPost, "/webhooks/crm", `{}`,
		map[string]string{HeaderWebhookToken: "wrong"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if errCode(t, w) != ErrCodeUnauthorized {
		t.Fatalf("code = %s", errCode(t, w))
	}
	if d.ingestor.got != nil {
		t.Fatalf("ingest must not run on auth failure")
	}
}

func TestReceiveEvent_EmptySecretAcceptsUnauthenticated(t *testing.T) {
	r, d := newRouter(t, "")
	d.ingestor.res = services.IntakeResult{EventHash: "h"}

	w := do(r, http.MethodPost, "/webhooks/crm", `{}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestReceiveEvent_MalformedJSON(t *testing.T) {
	r, _ := newRouter(t, "s3cret")

	w := do(r, http.MethodPost, "/webhooks/crm", `{not json`,
		map[string]string{HeaderWebhookToken: "s3cret"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestReceiveEvent_IngestError(t *testing.T) {
	r, d := newRouter(t, "s3cret")
	d.ingestor.err = errors.New("db down")

	w := do(r, http.MethodPost, "/webhooks/crm", `{}`,
		map[string]string{HeaderWebhookToken: "s3cret"})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if errCode(t, w) != ErrCodeIngestFailed {
		t.Fatalf("code = %s", errCode(t, w))
	}
}

//
// Jobs
//

func TestRunJob_Queued(t *testing.T) {
	r, d := newRouter(t, "")
	d.trigger.id = "manual:slaSweep:xyz"

	w := do(r, http.MethodPost, "/admin/jobs/run/slaSweep", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var resp RunJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "manual:slaSweep:xyz" || resp.Status != "queued" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRunJob_Unknown(t *testing.T) {
	r, d := newRouter(t, "")
	d.trigger.err = services.ErrUnknownJob

	w := do(r, http.MethodPost, "/admin/jobs/run/bogus", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if errCode(t, w) != ErrCodeUnknownJob {
		t.Fatalf("code = %s", errCode(t, w))
	}
}

//
// Merge candidates
//

func TestProposeMerge_Created(t *testing.T) {
	r, d := newRouter(t, "")
	d.merges.candidate = &domain.MergeCandidate{ID: "cand-1", Status: domain.MergeStatusPending}

	body := `{"entity_type":"org","source_id":7,"target_id":8,"confidence_score":0.92}`
	w := do(r, http.MethodPost, "/admin/merge-candidates", body, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if d.merges.proposed == nil || d.merges.proposed.EntityType != "org" ||
		d.merges.proposed.SourceID != 7 || d.merges.proposed.TargetID != 8 {
		t.Fatalf("proposed = %+v", d.merges.proposed)
	}
}

func TestProposeMerge_RejectsBadEntityType(t *testing.T) {
	r, _ := newRouter(t, "")

	body := `{"entity_type":"deal","source_id":7,"target_id":8,"confidence_score":0.9}`
	w := do(r, http.MethodPost, "/admin/merge-candidates", body, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProposeMerge_RejectsSelfMerge(t *testing.T) {
	r, _ := newRouter(t, "")

	body := `{"entity_type":"org","source_id":7,"target_id":7,"confidence_score":0.9}`
	w := do(r, http.MethodPost, "/admin/merge-candidates", body, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestExecuteMerge_GuardErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", services.ErrMergeCandidateNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"rejected", services.ErrMergeAlreadyRejected, http.StatusConflict, ErrCodeMergeAlreadyDecided},
		{"confidence", services.ErrConfidenceTooLow, http.StatusBadRequest, ErrCodeConfidenceTooLow},
		{"open deals", services.ErrSourceHasOpenDeals, http.StatusConflict, ErrCodeSourceHasOpenDeals},
		{"cooldown", services.ErrCooldownActive, http.StatusConflict, ErrCodeCooldownActive},
		{"preservation", services.ErrActivityPreservationFailed, http.StatusConflict, ErrCodePreservationFailed},
		{"internal", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, d := newRouter(t, "")
			d.merges.executeErr = tc.err

			id := "141add05-4415-4938-b5a1-17e0d3171aff"
			w := do(r, http.MethodPost, "/admin/merge-candidates/"+id+"/execute", "", nil)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if got := errCode(t, w); got != tc.code {
				t.Fatalf("code = %s, want %s", got, tc.code)
			}
		})
	}
}

func TestExecuteMerge_Success(t *testing.T) {
	r, d := newRouter(t, "")
	d.merges.candidate = &domain.MergeCandidate{ID: "cand-1", Status: domain.MergeStatusExecuted}

	id := "141add05-4415-4938-b5a1-17e0d3171aff"
	w := do(r, http.MethodPost, "/admin/merge-candidates/"+id+"/execute", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"executed"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestExecuteMerge_RejectsNonUUID(t *testing.T) {
	r, _ := newRouter(t, "")

	w := do(r, http.MethodPost, "/admin/merge-candidates/not-a-uuid/execute", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetMergeCandidate_FoundAndMissing(t *testing.T) {
	r, d := newRouter(t, "")

	mc, err := repo.CreateMergeCandidate(context.Background(), d.db, repo.MergeCandidateInput{
		EntityType:      domain.MergeEntityOrg,
		SourceID:        7,
		TargetID:        8,
		ConfidenceScore: 0.9,
		Status:          domain.MergeStatusPending,
	})
	if err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	w := do(r, http.MethodGet, "/admin/merge-candidates/"+mc.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/admin/merge-candidates/141add05-4415-4938-b5a1-17e0d3171aff", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing candidate status = %d", w.Code)
	}
}

//
// Audit listing
//

func TestListAudit_Paginated(t *testing.T) {
	r, d := newRouter(t, "")
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		err := repo.AppendAudit(ctx, d.db, repo.AuditInput{
			EntityType: "deal",
			EntityID:   "42",
			Action:     fmt.Sprintf("action_%d", i),
			Source:     domain.SourceWebhook,
		})
		if err != nil {
			t.Fatalf("seed audit: %v", err)
		}
	}

	w := do(r, http.MethodGet, "/admin/audit/deal/42?page=2&page_size=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListAuditResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 10 {
		t.Fatalf("entries = %d", len(resp.Entries))
	}
	if resp.Pagination.Total != 25 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("pagination = %+v", resp.Pagination)
	}

	// Other entities stay invisible.
	w = do(r, http.MethodGet, "/admin/audit/deal/99", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 0 || resp.Pagination.Total != 0 {
		t.Fatalf("expected empty trail, got %+v", resp.Pagination)
	}
}

//
// Field map
//

func TestRefreshFieldMap(t *testing.T) {
	r, d := newRouter(t, "")
	d.fields.stats = services.FieldMapStats{Refreshed: map[string]int{"deal": 12, "person": 4, "org": 3}}

	w := do(r, http.MethodPost, "/admin/fieldmap/refresh", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats services.FieldMapStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Refreshed["deal"] != 12 {
		t.Fatalf("stats = %+v", stats)
	}
}
