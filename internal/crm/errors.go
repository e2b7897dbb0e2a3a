// Package crm implements the rate-limited gateway to the external CRM.
// This file centralizes the error types surfaced by the client so that
// callers can distinguish transient exhaustion, structural failures, and
// the deterministic budget guard.
package crm

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned before dispatch when the daily mutation
// ceiling has been reached. It is never retried.
var ErrBudgetExceeded = errors.New("daily mutation limit reached")

// ErrNoSupportedEndpoint is returned by fallback calls when every
// candidate path answered "not found".
var ErrNoSupportedEndpoint = errors.New("no supported endpoint")

// StatusError describes a non-success CRM response after retries are
// exhausted (for retryable statuses) or immediately (for all others).
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("crm request failed %s %s status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a CRM 404, which fallback calls
// treat as "try the next candidate path".
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == 404
}
