package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averos/crm-autopilot/internal/config"
	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/http/handlers"
	"github.com/averos/crm-autopilot/internal/queue"
	"github.com/averos/crm-autopilot/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
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

// sinkQueue records enqueued jobs without running them.
type sinkQueue struct{ jobs []queue.Job }

func (q *sinkQueue) Enqueue(job queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		GinMode:       gin.TestMode,
		WebhookSecret: "s3cret",
		RateRPS:       100,
		RateBurst:     100,
		Security:      config.SecurityConfig{HSTSMaxAge: 180 * 24 * time.Hour},
	}
}

func newEngine(t *testing.T, cfg config.Config) (*gin.Engine, *sinkQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	q := &sinkQueue{}
	svcs := Services{
		Intake:     &services.IntakeService{DB: db, Queue: q},
		Dispatcher: &services.Dispatcher{Queue: q},
		Merge:      &services.MergeService{DB: db},
		FieldMap:   &services.FieldMapService{DB: db},
	}

	r := gin.New()
	RegisterRoutes(r, db, svcs, cfg)
	return r, q
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newEngine(t, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newEngine(t, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestNoRouteAndNoMethodEnvelopes(t *testing.T) {
	r, _ := newEngine(t, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("no-route status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"not_found"`) {
		t.Fatalf("no-route body = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/crm", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("no-method status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"method_not_allowed"`) {
		t.Fatalf("no-method body = %s", w.Body.String())
	}
}

func TestWebhookRoute_StoresAndQueues(t *testing.T) {
	r, q := newEngine(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm",
		strings.NewReader(`{"event":"updated.deal","meta":{"object":"deal"},"current":{"id":42}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.HeaderWebhookToken, "s3cret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(q.jobs) != 1 || q.jobs[0].Name != services.JobProcessWebhookEvent {
		t.Fatalf("jobs = %+v", q.jobs)
	}
}

func TestWebhookRoute_RejectsBadSecret(t *testing.T) {
	r, q := newEngine(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(`{}`))
	req.Header.Set(handlers.HeaderWebhookToken, "wrong")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("jobs must stay empty, got %+v", q.jobs)
	}
}

func TestRunJobRoute_QueuesSweep(t *testing.T) {
	r, q := newEngine(t, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/jobs/run/slaSweep", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(q.jobs) != 1 || q.jobs[0].Name != services.JobSLASweep {
		t.Fatalf("jobs = %+v", q.jobs)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	r, _ := newEngine(t, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID response header")
	}
}

func TestRateLimiter_WebhookSecretBypasses(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.0001
	cfg.RateBurst = 1
	r, _ := newEngine(t, cfg)

	// Exhaust the single token.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}

	// A correctly authenticated webhook still gets through.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(`{"event":"x"}`))
	req.Header.Set(handlers.HeaderWebhookToken, "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("webhook status = %d, want 202", w.Code)
	}
}
