package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nicktill/tinyvitals/pkg/apperr"
)

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry makes 3 attempts with 50ms, 100ms backoff between them.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts are exhausted. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() error {
		err := fn(ctx)
		if err != nil && !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(p.backOff(), ctx), uint64(attempts-1)))
}

// backOff doubles BaseDelay between attempts without jitter.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = backoff.DefaultMaxInterval
	b.MaxElapsedTime = 0
	return b
}
