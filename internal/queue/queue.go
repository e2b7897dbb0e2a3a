// Package queue implements the in-process job queue that decouples
// webhook intake from enforcement work. Jobs are executed FIFO by a
// bounded worker pool, deduplicated by job ID while pending, and
// retried with exponential backoff before being declared permanently
// failed.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Enqueue after Close has been called.
var ErrClosed = errors.New("queue: closed")

// ErrDuplicateJob is returned by Enqueue when a job with the same ID is
// already pending or running.
var ErrDuplicateJob = errors.New("queue: duplicate job id")

// Permanent wraps an error to signal that retrying cannot help. The
// worker fails the job immediately without consuming further attempts.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }

// Handler executes one job payload.
type Handler func(ctx context.Context, job Job) error

// Job is one unit of queued work.
type Job struct {
	// ID deduplicates jobs: a second Enqueue with the same ID while the
	// first is still pending or running is rejected.
	ID string
	// Name selects the handler, e.g. "processWebhookEvent".
	Name string
	// Payload is opaque to the queue.
	Payload any
	// Attempt is 1-based and set by the queue.
	Attempt int
}

// BackoffConfig shapes the retry delay curve.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Options configures a Queue.
type Options struct {
	// Concurrency is the worker count. Zero means 5.
	Concurrency int
	// MaxAttempts bounds executions per job. Zero means 5.
	MaxAttempts int
	// Backoff shapes retry delays. Zero values mean 500ms base, 30s cap.
	Backoff BackoffConfig
	// Buffer is the pending channel capacity. Zero means 1024.
	Buffer int
}

// Queue is a bounded in-process worker pool with per-job-ID dedup and
// retry. It loses pending jobs on process exit; the nightly sweeps
// re-derive any missed work from CRM state.
type Queue struct {
	handlers map[string]Handler
	jobs     chan Job

	maxAttempts int
	backoff     BackoffConfig

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool

	wg    sync.WaitGroup
	rng   *rand.Rand
	rngMu sync.Mutex
	sleep func(context.Context, time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Queue and starts its workers. Handlers are fixed at
// construction time.
func New(opts Options, handlers map[string]Handler) *Queue {
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 5
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	bo := opts.Backoff
	if bo.BaseDelay <= 0 {
		bo.BaseDelay = 500 * time.Millisecond
	}
	if bo.MaxDelay <= 0 {
		bo.MaxDelay = 30 * time.Second
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		handlers:    handlers,
		jobs:        make(chan Job, buf),
		maxAttempts: attempts,
		backoff:     bo,
		pending:     make(map[string]struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepCtx,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < conc; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue submits a job. The job ID dedups against jobs still pending
// or running.
//
// The channel send happens under q.mu so it cannot interleave with the
// close(q.jobs) in Close. The send never blocks (buffered channel with
// a default branch), so holding the lock across it is safe.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.pending[job.ID]; ok {
		return ErrDuplicateJob
	}

	job.Attempt = 1
	select {
	case q.jobs <- job:
		q.pending[job.ID] = struct{}{}
		return nil
	default:
		return errors.New("queue: buffer full")
	}
}

// Close stops accepting jobs, drains the pending channel, and waits for
// in-flight work to finish. The channel is closed under q.mu, mutually
// exclusive with Enqueue's send.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	defer q.release(job.ID)

	h, ok := q.handlers[job.Name]
	if !ok {
		log.Error().Str("job", job.Name).Str("job_id", job.ID).Msg("no handler registered")
		return
	}

	for {
		err := h(q.ctx, job)
		if err == nil {
			jobsProcessed.WithLabelValues(job.Name, "success").Inc()
			return
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			jobsProcessed.WithLabelValues(job.Name, "permanent_failure").Inc()
			log.Error().Err(perm.Err).Str("job", job.Name).Str("job_id", job.ID).
				Int("attempt", job.Attempt).Msg("job failed permanently")
			return
		}
		if job.Attempt >= q.maxAttempts {
			jobsProcessed.WithLabelValues(job.Name, "exhausted").Inc()
			log.Error().Err(err).Str("job", job.Name).Str("job_id", job.ID).
				Int("attempt", job.Attempt).Msg("job retries exhausted")
			return
		}

		delay := q.nextDelay(job.Attempt)
		jobRetries.WithLabelValues(job.Name).Inc()
		log.Warn().Err(err).Str("job", job.Name).Str("job_id", job.ID).
			Int("attempt", job.Attempt).Dur("delay", delay).Msg("job retrying")
		if serr := q.sleep(q.ctx, delay); serr != nil {
			return
		}
		job.Attempt++
	}
}

// nextDelay computes exponential backoff with full jitter: a random
// delay in [0, base*2^(attempt-1)] capped at MaxDelay.
func (q *Queue) nextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.backoff.BaseDelay << (attempt - 1)
	if delay > q.backoff.MaxDelay {
		delay = q.backoff.MaxDelay
	}
	q.rngMu.Lock()
	jitter := time.Duration(q.rng.Int63n(int64(delay) + 1))
	q.rngMu.Unlock()
	return jitter
}

// PendingCount reports job IDs currently pending or running.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
