// Package services implements the autopilot business logic: webhook
// intake, SLA enforcement, lead triage, stale-deal nudges, nightly
// sweeps, duplicate merges, and field-map refresh.
//
// This file centralizes common service-level error values so that they
// can be consistently returned by service methods and checked by
// callers. Translation into HTTP status codes happens at the handler
// layer.
package services

import "errors"

// Merge-related errors.
var (
	// ErrMergeCandidateNotFound indicates the requested merge candidate
	// does not exist.
	ErrMergeCandidateNotFound = errors.New("merge candidate not found")

	// ErrConfidenceTooLow is returned when a merge's confidence score
	// falls below the configured threshold.
	ErrConfidenceTooLow = errors.New("merge confidence below threshold")

	// ErrSourceHasOpenDeals is returned when the merge source still has
	// open deals attached.
	ErrSourceHasOpenDeals = errors.New("merge source has open deals")

	// ErrCooldownActive is returned when either merge party was modified
	// within the cooldown window.
	ErrCooldownActive = errors.New("merge cooldown window active")

	// ErrActivityPreservationFailed is returned when the post-merge
	// target carries fewer touches than the two parties held before.
	ErrActivityPreservationFailed = errors.New("merge did not preserve activity history")

	// ErrMergeAlreadyRejected is returned when executing a candidate
	// that was rejected at proposal time.
	ErrMergeAlreadyRejected = errors.New("merge candidate was rejected")
)

// Job-related errors.
var (
	// ErrUnknownJob is returned when a manual run names a job the
	// dispatcher does not know.
	ErrUnknownJob = errors.New("unknown job name")

	// ErrEventNotFound indicates the queued event hash has no stored row.
	ErrEventNotFound = errors.New("webhook event not found")
)
