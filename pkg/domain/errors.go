// Package domain holds the error kinds that cross the core's boundary.
package domain

import "errors"

var (
	// ErrInvalidRequest is returned for malformed requests: same source and
	// destination, non-positive amount, missing idempotency key, or an
	// unknown currency.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRejected is returned when business-rule validation fails
	// (insufficient funds, frozen account, currency mismatch). The wrapped
	// message carries the reason. Never retried.
	ErrRejected = errors.New("rejected")

	// ErrConflict is returned when optimistic-concurrency retries are
	// exhausted without a successful commit.
	ErrConflict = errors.New("conflict")

	// ErrInProgress is returned when another request holds the same
	// idempotency key and has not yet reached a terminal outcome. Callers
	// should retry later.
	ErrInProgress = errors.New("operation in progress")

	// ErrTimeout is returned when an external call exceeded its deadline.
	// Retryable.
	ErrTimeout = errors.New("timeout")

	// ErrStoreUnavailable is returned when transient-infrastructure retries
	// are exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")
)
