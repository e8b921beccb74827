package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds Retry. Zero fields take the defaults of DefaultRetryPolicy.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy suits short lock waits, such as a sweep racing a payment
// on the same invoice.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// backOff builds the jittered exponential schedule for p. It stops after
// Attempts-1 waits or when ctx is done.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Only ConflictError is retried. The last error from fn is
// returned, also when ctx ends the wait.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		if last != nil && !IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, p.backOff(ctx))
	if err != nil {
		return last
	}
	return nil
}
