// Admin HTTP handlers.
//
// This file exposes the operator surface:
//   - POST /admin/jobs/run/:name                  (trigger a sweep on demand)
//   - POST /admin/merge-candidates                (propose a duplicate merge)
//   - GET  /admin/merge-candidates/:id            (inspect a candidate)
//   - POST /admin/merge-candidates/:id/execute    (commit a proposed merge)
//   - GET  /admin/audit/:entityType/:entityId     (audit trail, paginated)
//   - POST /admin/fieldmap/refresh                (refresh the field cache)
//
// Merge execution maps each safety-guard violation to a distinct error code
// so review tooling can branch without parsing messages.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/repo"
	"github.com/averos/crm-autopilot/internal/services"
	"github.com/averos/crm-autopilot/internal/utils"
)

//
// DTOs
//

// RunJobResponse acknowledges an on-demand job trigger.
type RunJobResponse struct {
	// JobID is the queue ID assigned to the triggered run.
	JobID string `json:"job_id" example:"manual:slaSweep:141add05-4415-4938-b5a1-17e0d3171aff"`
	// Status is always "queued" on success.
	Status string `json:"status" example:"queued"`
}

// ProposeMergeRequest is the JSON payload for proposing a duplicate merge.
type ProposeMergeRequest struct {
	// EntityType is "person" or "org".
	EntityType string `json:"entity_type" binding:"required,oneof=person org" example:"org"`
	// SourceID is the record folded into the target.
	SourceID int `json:"source_id" binding:"required,gt=0" example:"7"`
	// TargetID is the surviving record.
	TargetID int `json:"target_id" binding:"required,gt=0" example:"8"`
	// ConfidenceScore is the duplicate-detection confidence in [0,1].
	ConfidenceScore float64 `json:"confidence_score" binding:"min=0,max=1" example:"0.92"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListAuditResponse wraps a page of audit entries and pagination information.
type ListAuditResponse struct {
	Entries    []domain.AuditEntry `json:"entries"`
	Pagination Pagination          `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// RunJob godoc
// @ID          runJob
// @Summary     Trigger a sweep job
// @Description Queues the named sweep (slaSweep, leadSweep, or fieldmapRefresh)
// @Description for immediate execution and returns its queue ID.
// @Tags        Admin
// @Produce     json
//
// @Param       name  path  string  true  "Job name"  Enums(slaSweep, leadSweep, fieldmapRefresh)
//
// @Success     202  {object}  handlers.RunJobResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown job name"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/jobs/run/{name} [post]
func (h *Handlers) RunJob(c *gin.Context) {
	name := c.Param("name")

	jobID, err := h.jobs.TriggerJob(name)
	if err != nil {
		if errors.Is(err, services.ErrUnknownJob) {
			fail(c, http.StatusBadRequest, ErrCodeUnknownJob, "unknown job name: "+name)
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusAccepted, RunJobResponse{JobID: jobID, Status: "queued"})
}

// ProposeMerge godoc
// @ID          proposeMerge
// @Summary     Propose a duplicate merge
// @Description Runs the merge safety guards and records a candidate. Guarded
// @Description proposals are still recorded (pending or rejected) so the review
// @Description queue sees everything; inspect the returned status.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.ProposeMergeRequest  true  "Merge proposal"
//
// @Success     201  {object}  domain.MergeCandidate
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/merge-candidates [post]
func (h *Handlers) ProposeMerge(c *gin.Context) {
	var req ProposeMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid merge proposal: "+err.Error())
		return
	}
	if req.SourceID == req.TargetID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "source and target must differ")
		return
	}

	mc, err := h.merges.Propose(c.Request.Context(), services.MergeProposal{
		EntityType:      req.EntityType,
		SourceID:        req.SourceID,
		TargetID:        req.TargetID,
		ConfidenceScore: req.ConfidenceScore,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusCreated, mc)
}

// GetMergeCandidate godoc
// @ID          getMergeCandidate
// @Summary     Inspect a merge candidate
// @Tags        Admin
// @Produce     json
//
// @Param       id  path  string  true  "Merge candidate ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.MergeCandidate
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Candidate not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/merge-candidates/{id} [get]
func (h *Handlers) GetMergeCandidate(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "merge candidate id must be a UUID")
		return
	}

	mc, err := repo.GetMergeCandidate(c.Request.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "merge candidate not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, mc)
}

// ExecuteMerge godoc
// @ID          executeMerge
// @Summary     Execute a proposed merge
// @Description Re-checks every safety guard against live CRM state, performs the
// @Description merge, and verifies the surviving record kept the combined activity
// @Description history. An already executed candidate returns 200 without a second
// @Description merge. Guard violations return distinct error codes.
// @Tags        Admin
// @Produce     json
//
// @Param       id  path  string  true  "Merge candidate ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.MergeCandidate
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or confidence below threshold"
// @Failure     404  {object}  handlers.ErrorResponse  "Candidate not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Safety guard violation"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/merge-candidates/{id}/execute [post]
func (h *Handlers) ExecuteMerge(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "merge candidate id must be a UUID")
		return
	}

	mc, err := h.merges.Execute(c.Request.Context(), id)
	switch {
	case err == nil:
		ok(c, http.StatusOK, mc)
	case errors.Is(err, services.ErrMergeCandidateNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "merge candidate not found")
	case errors.Is(err, services.ErrMergeAlreadyRejected):
		fail(c, http.StatusConflict, ErrCodeMergeAlreadyDecided, "merge candidate was rejected")
	case errors.Is(err, services.ErrConfidenceTooLow):
		fail(c, http.StatusBadRequest, ErrCodeConfidenceTooLow, "confidence score below threshold")
	case errors.Is(err, services.ErrSourceHasOpenDeals):
		fail(c, http.StatusConflict, ErrCodeSourceHasOpenDeals, "source record has open deals")
	case errors.Is(err, services.ErrCooldownActive):
		fail(c, http.StatusConflict, ErrCodeCooldownActive, "a merge party was modified within the cooldown window")
	case errors.Is(err, services.ErrActivityPreservationFailed):
		// The merge itself committed; the post-merge verification failed.
		fail(c, http.StatusConflict, ErrCodePreservationFailed, "merge executed but activity history shrank")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// ListAudit godoc
// @ID          listAudit
// @Summary     List audit entries for an entity (paginated)
// @Description Returns the automation decision trail for one CRM record, newest
// @Description first.
// @Tags        Admin
// @Produce     json
//
// @Param       entityType  path   string  true   "Entity type"  Enums(deal, lead, person, org)
// @Param       entityId    path   string  true   "Entity ID"
// @Param       page        query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size   query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListAuditResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/audit/{entityType}/{entityId} [get]
func (h *Handlers) ListAudit(c *gin.Context) {
	ctx := c.Request.Context()
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")
	page, pageSize := clampPagination(c)

	total, err := repo.CountAuditByEntity(ctx, h.db, entityType, entityID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	entries, err := repo.ListAuditByEntity(ctx, h.db, entityType, entityID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListAuditResponse{
		Entries: entries,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// RefreshFieldMap godoc
// @ID          refreshFieldMap
// @Summary     Refresh the CRM field cache
// @Description Re-reads field definitions for deals, persons, and organizations
// @Description from the CRM and upserts the local cache. Partial failures are
// @Description reported in the stats rather than failing the whole refresh.
// @Tags        Admin
// @Produce     json
//
// @Success     200  {object}  services.FieldMapStats
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/fieldmap/refresh [post]
func (h *Handlers) RefreshFieldMap(c *gin.Context) {
	stats, err := h.fields.Refresh(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, stats)
}
