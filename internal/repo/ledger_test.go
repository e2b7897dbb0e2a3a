package repo

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averos/crm-autopilot/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique in-memory database per test to avoid schema leakage.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestAcquireIdempotencyKey_FirstAcquires(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyKey{})

	res, err := AcquireIdempotencyKey(context.Background(), db, "job:slaDealEnforce", "42:2024-03-01", map[string]any{"dealId": 42})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired || res.Reason != "" {
		t.Fatalf("expected first acquire to win, got %+v", res)
	}

	rec, err := GetIdempotencyKey(context.Background(), db, "job:slaDealEnforce", "42:2024-03-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.IdemStarted {
		t.Fatalf("expected status started, got %q", rec.Status)
	}
}

func TestAcquireIdempotencyKey_IdenticalRetryInProgress(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyKey{})
	ctx := context.Background()
	payload := map[string]any{"dealId": 42, "source": "webhook"}

	if res, err := AcquireIdempotencyKey(ctx, db, "s", "k", payload); err != nil || !res.Acquired {
		t.Fatalf("first acquire failed: res=%+v err=%v", res, err)
	}

	res, err := AcquireIdempotencyKey(ctx, db, "s", "k", payload)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if res.Acquired || res.Reason != ReasonInProgress {
		t.Fatalf("expected in_progress, got %+v", res)
	}
}

func TestAcquireIdempotencyKey_DoneIsTerminal(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyKey{})
	ctx := context.Background()

	if res, err := AcquireIdempotencyKey(ctx, db, "s", "k", map[string]any{"v": 1}); err != nil || !res.Acquired {
		t.Fatalf("acquire failed: res=%+v err=%v", res, err)
	}
	if err := MarkIdempotencyStatus(ctx, db, "s", "k", domain.IdemDone); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	// already_done regardless of payload content.
	for _, payload := range []any{map[string]any{"v": 1}, map[string]any{"v": 2}} {
		res, err := AcquireIdempotencyKey(ctx, db, "s", "k", payload)
		if err != nil {
			t.Fatalf("re-acquire: %v", err)
		}
		if res.Acquired || res.Reason != ReasonAlreadyDone {
			t.Fatalf("expected already_done for %v, got %+v", payload, res)
		}
	}
}

func TestAcquireIdempotencyKey_DifferentRequestSupersedesStalled(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyKey{})
	ctx := context.Background()

	if res, err := AcquireIdempotencyKey(ctx, db, "s", "k", map[string]any{"v": 1}); err != nil || !res.Acquired {
		t.Fatalf("acquire failed: res=%+v err=%v", res, err)
	}
	if err := MarkIdempotencyStatus(ctx, db, "s", "k", domain.IdemFailed); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	res, err := AcquireIdempotencyKey(ctx, db, "s", "k", map[string]any{"v": 2})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected differing request to supersede failed attempt, got %+v", res)
	}

	rec, err := GetIdempotencyKey(ctx, db, "s", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.IdemStarted {
		t.Fatalf("expected row reset to started, got %q", rec.Status)
	}
}

func TestAcquireIdempotencyKey_ConcurrentRace(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyKey{})
	ctx := context.Background()
	payload := map[string]any{"dealId": 7}

	const n = 8
	results := make([]AcquireResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = AcquireIdempotencyKey(ctx, db, "race", "7:2024-03-01", payload)
		}(i)
	}
	wg.Wait()

	acquired := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if results[i].Acquired {
			acquired++
		} else if results[i].Reason != ReasonInProgress {
			t.Fatalf("loser %d got reason %q, want in_progress", i, results[i].Reason)
		}
	}
	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d", acquired)
	}
}

func TestGetIdempotencyKey_Missing(t *testing.T) {
	db := newTestDB(t, &domain.IdempotencyKey{})
	if _, err := GetIdempotencyKey(context.Background(), db, "s", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
