// Package retry provides the shared bounded retry/backoff policy.
//
// Lower components report raw outcomes; only the coordinator decides what
// is retryable, by wrapping terminal errors with Permanent inside the
// operation it hands to Do.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds retries with exponential backoff and jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts uint64
	// InitialInterval is the backoff before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the growth of the backoff interval.
	MaxInterval time.Duration
}

// Default is a sane policy for transient infrastructure errors.
var Default = Policy{
	MaxAttempts:     4,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Do runs op, retrying retryable failures with exponential backoff and
// jitter until MaxAttempts is reached or ctx is done. The last error is
// returned. Errors wrapped with Permanent stop the loop immediately.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	// RandomizationFactor defaults to 0.5, which supplies the jitter.
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}

// Permanent marks err as terminal so Do surfaces it without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
