// Webhook HTTP handlers.
//
// This file exposes the inbound event endpoint:
//   - POST /webhooks/crm  (receive a CRM webhook delivery)
//
// Handlers are transport-thin: they authenticate the delivery, hand the raw
// payload to the intake service, and translate results into HTTP responses.
// Dedup happens on payload content, so CRM redeliveries are acknowledged
// without re-queuing work.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/services"
)

// HeaderWebhookToken carries the shared secret on inbound webhook deliveries.
const HeaderWebhookToken = "X-Autopilot-Token"

//
// Service contracts (context-aware)
//

// EventIngestor defines webhook intake operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type EventIngestor interface {
	// Ingest stores a webhook payload exactly once and schedules processing.
	Ingest(ctx context.Context, payload []byte) (services.IntakeResult, error)
}

// JobTrigger defines on-demand job scheduling consumed by admin handlers.
type JobTrigger interface {
	// TriggerJob enqueues a named sweep job and returns its queue ID.
	TriggerJob(name string) (string, error)
}

// MergeReviewer defines the duplicate-merge state machine operations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MergeReviewer interface {
	// Propose evaluates the safety guards and records a merge candidate.
	Propose(ctx context.Context, in services.MergeProposal) (*domain.MergeCandidate, error)
	// Execute commits a previously proposed merge after re-checking guards.
	Execute(ctx context.Context, id string) (*domain.MergeCandidate, error)
}

// FieldRefresher defines the CRM field-metadata cache refresh operation.
type FieldRefresher interface {
	// Refresh re-reads field definitions from the CRM and upserts the cache.
	Refresh(ctx context.Context) (services.FieldMapStats, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for webhook intake and the admin surface.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	intake EventIngestor
	jobs   JobTrigger
	merges MergeReviewer
	fields FieldRefresher
	db     *gorm.DB
	secret string
}

// New constructs and returns a Handlers instance bound to the given services.
// secret is the shared webhook token; when empty, inbound deliveries are
// accepted unauthenticated (local development only).
func New(intake EventIngestor, jobs JobTrigger, merges MergeReviewer, fields FieldRefresher, db *gorm.DB, secret string) *Handlers {
	return &Handlers{intake: intake, jobs: jobs, merges: merges, fields: fields, db: db, secret: secret}
}

// authorized checks the shared-secret header using a constant-time compare.
func (h *Handlers) authorized(c *gin.Context) bool {
	if h.secret == "" {
		return true
	}
	got := c.GetHeader(HeaderWebhookToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

//
// DTOs
//

// WebhookAck is the response body for an inbound webhook delivery.
type WebhookAck struct {
	// EventHash is the canonical content hash assigned to the payload.
	EventHash string `json:"event_hash" example:"9f86d081884c7d659a2feaa0c55ad015"`
	// Deduped is true when the same payload was already stored.
	Deduped bool `json:"deduped" example:"false"`
}

//
// Handlers
//

// ReceiveEvent godoc
// @ID          receiveEvent
// @Summary     Receive a CRM webhook
// @Description Authenticates the delivery, stores the payload exactly once keyed
// @Description by its canonical content hash, and queues processing. Redeliveries
// @Description of an already stored payload return 200 with deduped:true.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Autopilot-Token  header  string  true  "Shared webhook secret"
// @Param       body               body    object  true  "Raw CRM webhook payload"
//
// @Success     202  {object}  handlers.WebhookAck
// @Success     200  {object}  handlers.WebhookAck  "Duplicate delivery"
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed payload"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad or missing secret"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /webhooks/crm [post]
func (h *Handlers) ReceiveEvent(c *gin.Context) {
	if !h.authorized(c) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook token")
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return
	}
	if !json.Valid(payload) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload must be valid JSON")
		return
	}

	res, err := h.intake.Ingest(c.Request.Context(), payload)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, err.Error())
		return
	}

	if res.Duplicate {
		ok(c, http.StatusOK, WebhookAck{EventHash: res.EventHash, Deduped: true})
		return
	}
	ok(c, http.StatusAccepted, WebhookAck{EventHash: res.EventHash})
}
