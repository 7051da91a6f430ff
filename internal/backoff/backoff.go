// Package backoff holds the one exponential backoff policy shared by the
// remote command retry wrapper, the reconnection prober and the push agent.
package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Policy describes delay = BaseInterval * 2^min(failures, MaxExponent).
type Policy struct {
	BaseInterval time.Duration
	MaxExponent  int
	// MaxRetries bounds Retry. Zero means a single attempt.
	MaxRetries int
}

// Delay returns the wait imposed after the given number of consecutive failures.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	exp := failures
	if p.MaxExponent >= 0 && exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	return p.BaseInterval * time.Duration(1<<uint(exp))
}

// MaxDelay is the largest delay the policy can produce.
func (p Policy) MaxDelay() time.Duration {
	return p.Delay(p.MaxExponent)
}

// NewBackOff builds a deterministic exponential backoff matching Delay:
// the n-th call to NextBackOff returns Delay(n-1).
func (p Policy) NewBackOff() *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay()
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a permanent error, ctx ends or
// MaxRetries retries have been spent. Wrap an error with Permanent to stop early.
func Retry(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	var b cbackoff.BackOff = p.NewBackOff()
	b = cbackoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0)))
	b = cbackoff.WithContext(b, ctx)
	if notify == nil {
		return cbackoff.Retry(op, b)
	}
	return cbackoff.RetryNotify(op, b, notify)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return cbackoff.Permanent(err)
}
