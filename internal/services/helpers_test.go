package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averos/crm-autopilot/internal/config"
	"github.com/averos/crm-autopilot/internal/crm"
	"github.com/averos/crm-autopilot/internal/domain"
	"github.com/averos/crm-autopilot/internal/queue"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) // a Monday

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")
	err = db.AutoMigrate(
		&domain.Event{},
		&domain.IdempotencyKey{},
		&domain.MergeCandidate{},
		&domain.AuditEntry{},
		&domain.JobRun{},
		&domain.DealSnapshot{},
		&domain.FieldMap{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeCRM is an in-memory CRM API for service tests. Routes are
// registered per test and may be overwritten mid-test; every mutation
// is recorded for assertions.
type fakeCRM struct {
	srv *httptest.Server

	mu        sync.Mutex
	routes    map[string]http.HandlerFunc
	mutations []recordedMutation
}

type recordedMutation struct {
	Method string
	Path   string
	Body   map[string]any
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	f := &fakeCRM{routes: make(map[string]http.HandlerFunc)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.mutations = append(f.mutations, recordedMutation{Method: r.Method, Path: r.URL.Path, Body: body})
			f.mu.Unlock()
		}
		f.mu.Lock()
		h, ok := f.routes[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCRM) client() *crm.Client {
	c := crm.NewClient(crm.Options{
		Token:   "test",
		BaseURL: f.srv.URL,
		Now:     func() time.Time { return testNow },
	})
	return c
}

// respond registers (or replaces) a static JSON envelope for a path.
func (f *fakeCRM) respond(path string, data any) {
	f.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, data)
	})
}

func (f *fakeCRM) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	f.routes[path] = h
	f.mu.Unlock()
}

func writeEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"success":true,"data":%s}`, raw)
}

func (f *fakeCRM) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

func (f *fakeCRM) mutationsTo(path string) []recordedMutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedMutation
	for _, m := range f.mutations {
		if m.Path == path {
			out = append(out, m)
		}
	}
	return out
}

// fakeQueue records enqueued jobs without running them.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	seen map[string]struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]struct{})}
}

func (q *fakeQueue) Enqueue(job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[job.ID]; ok {
		return queue.ErrDuplicateJob
	}
	q.seen[job.ID] = struct{}{}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newEnforcement(db *gorm.DB, f *fakeCRM, policy config.AutopilotConfig) *EnforcementService {
	return &EnforcementService{
		DB:     db,
		CRM:    f.client(),
		Policy: policy,
		Now:    func() time.Time { return testNow },
	}
}

func defaultPolicy() config.AutopilotConfig {
	return config.AutopilotConfig{
		DryRun:                  false,
		SLAFutureActivityDays:   3,
		SLAFollowupBusinessDays: 2,
		StaleDays:               7,
	}
}

func countAudits(t *testing.T, db *gorm.DB, action string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&domain.AuditEntry{}).Where("action = ?", action).Count(&n).Error; err != nil {
		t.Fatalf("count audits: %v", err)
	}
	return n
}
