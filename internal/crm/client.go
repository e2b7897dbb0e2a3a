package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/averos/crm-autopilot/internal/timeutil"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 250 * time.Millisecond
	defaultTimeout     = 30 * time.Second
)

// retryableStatus reports whether a response status warrants a retry.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Query holds request query parameters.
type Query map[string]any

// Options configures a Client.
type Options struct {
	// Token is the CRM API token, sent as the api_token query parameter.
	Token string
	// BaseURL is the CRM API root, e.g. "https://api.example.com".
	BaseURL string
	// MaxConcurrent bounds simultaneous in-flight requests.
	MaxConcurrent int
	// MinSpacing is the minimum interval between request dispatches.
	MinSpacing time.Duration
	// DailyMutationLimit caps non-GET requests per UTC day. Zero
	// disables the budget.
	DailyMutationLimit int
	// HTTPClient overrides the underlying client. Nil uses a default
	// with a 30s timeout.
	HTTPClient *http.Client
	// BackoffBase overrides the retry backoff base. Zero uses 250ms.
	BackoffBase time.Duration
	// MaxAttempts overrides the retry attempt cap. Zero uses 5.
	MaxAttempts int
	// Now overrides the clock. Nil uses time.Now. Tests inject this.
	Now func() time.Time
}

// Client is the rate-limited CRM gateway. All autopilot traffic to the
// CRM flows through a single Client so that spacing, concurrency, and
// the daily mutation budget are enforced globally.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client

	limiter *rate.Limiter
	sem     *semaphore.Weighted

	backoffBase time.Duration
	maxAttempts int
	now         func() time.Time

	budget int
	mu     sync.Mutex
	usage  map[string]int // mutation count per UTC day key
	sleep  func(context.Context, time.Duration) error
}

// NewClient builds a Client from Options. Zero-valued knobs fall back
// to production defaults.
func NewClient(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	maxConc := opts.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 5
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MinSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinSpacing), 1)
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Client{
		token:       opts.Token,
		baseURL:     opts.BaseURL,
		httpc:       httpc,
		limiter:     limiter,
		sem:         semaphore.NewWeighted(int64(maxConc)),
		backoffBase: base,
		maxAttempts: attempts,
		now:         nowFn,
		budget:      opts.DailyMutationLimit,
		usage:       make(map[string]int),
		sleep:       sleepCtx,
	}
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

// MutationsUsedToday returns the mutation count consumed for the
// current UTC day.
func (c *Client) MutationsUsedToday() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage[timeutil.DayKey(c.now())]
}

// consumeMutation charges one mutation against today's budget. The
// check and the increment happen under one lock so concurrent callers
// cannot overshoot the cap.
func (c *Client) consumeMutation() error {
	if c.budget <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := timeutil.DayKey(c.now())
	if c.usage[key] >= c.budget {
		return fmt.Errorf("daily mutation budget of %d reached: %w", c.budget, ErrBudgetExceeded)
	}
	c.usage[key]++
	return nil
}

func (c *Client) buildURL(path string, q Query) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("build crm url: %w", err)
	}
	vals := u.Query()
	vals.Set("api_token", c.token)
	for k, v := range q {
		vals.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = vals.Encode()
	return u.String(), nil
}

// Do performs one CRM request with spacing, bounded concurrency, retry
// on transient statuses, and budget enforcement for mutations. The
// returned envelope's Data field holds the raw response payload.
func (c *Client) Do(ctx context.Context, method, path string, q Query, body any) (*Envelope, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal crm request body: %w", err)
		}
		payload = b
	}

	target, err := c.buildURL(path, q)
	if err != nil {
		return nil, err
	}

	mutation := method != http.MethodGet

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffBase << (attempt - 2)
			retriesTotal.WithLabelValues(method).Inc()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		if mutation {
			if err := c.consumeMutation(); err != nil {
				budgetRejectionsTotal.Inc()
				return nil, err
			}
		}

		env, err := c.dispatch(ctx, method, target, payload)
		if err == nil {
			return env, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && retryableStatus(se.Status) {
			log.Warn().
				Str("method", method).
				Str("path", path).
				Int("status", se.Status).
				Int("attempt", attempt).
				Msg("crm request retrying")
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Client) dispatch(ctx context.Context, method, target string, payload []byte) (*Envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("build crm request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read crm response: %w", err)
	}

	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method: method,
			Path:   req.URL.Path,
			Status: resp.StatusCode,
			Body:   truncate(string(raw), 512),
		}
	}

	var env Envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode crm response: %w", err)
		}
	}
	return &env, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// get decodes a single-object response into out.
func get[T any](ctx context.Context, c *Client, path string, q Query) (T, error) {
	var out T
	env, err := c.Do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return out, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, &StatusError{Method: http.MethodGet, Path: path, Status: http.StatusNotFound, Body: "empty data"}
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s data: %w", path, err)
	}
	return out, nil
}

// listCursor drains a cursor-paginated endpoint, following
// additional_data.next_cursor until exhausted.
func listCursor[T any](ctx context.Context, c *Client, path string, q Query) ([]T, error) {
	var all []T
	cursor := ""
	for {
		qq := Query{}
		for k, v := range q {
			qq[k] = v
		}
		if cursor != "" {
			qq["cursor"] = cursor
		}
		env, err := c.Do(ctx, http.MethodGet, path, qq, nil)
		if err != nil {
			return nil, err
		}
		var page []T
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &page); err != nil {
				return nil, fmt.Errorf("decode %s page: %w", path, err)
			}
		}
		all = append(all, page...)
		if env.AdditionalData == nil || env.AdditionalData.NextCursor == nil || *env.AdditionalData.NextCursor == "" {
			return all, nil
		}
		cursor = *env.AdditionalData.NextCursor
	}
}

// listOffset fetches from an offset-paginated endpoint. A positive
// limit fetches a single bounded page; limit <= 0 drains all pages.
func listOffset[T any](ctx context.Context, c *Client, path string, q Query, limit int) ([]T, error) {
	if limit > 0 {
		qq := Query{}
		for k, v := range q {
			qq[k] = v
		}
		qq["limit"] = limit
		env, err := c.Do(ctx, http.MethodGet, path, qq, nil)
		if err != nil {
			return nil, err
		}
		var page []T
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &page); err != nil {
				return nil, fmt.Errorf("decode %s page: %w", path, err)
			}
		}
		return page, nil
	}

	var all []T
	start := 0
	for {
		qq := Query{}
		for k, v := range q {
			qq[k] = v
		}
		qq["start"] = start
		qq["limit"] = 100
		env, err := c.Do(ctx, http.MethodGet, path, qq, nil)
		if err != nil {
			return nil, err
		}
		var page []T
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &page); err != nil {
				return nil, fmt.Errorf("decode %s page: %w", path, err)
			}
		}
		all = append(all, page...)
		ad := env.AdditionalData
		if ad == nil || ad.Pagination == nil || !ad.Pagination.MoreItemsInCollection {
			return all, nil
		}
		start = ad.Pagination.NextStart
	}
}

// requestFirstSupported tries candidate paths in order, treating a 404
// as "endpoint not available on this account" and moving to the next.
// Other errors stop the walk.
func (c *Client) requestFirstSupported(ctx context.Context, method string, paths []string, q Query, body any) (*Envelope, error) {
	for _, p := range paths {
		env, err := c.Do(ctx, method, p, q, body)
		if err == nil {
			return env, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("no supported endpoint among %v: %w", paths, ErrNoSupportedEndpoint)
}
