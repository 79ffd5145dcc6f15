package executor

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is exponential backoff with uniform jitter, used around
// transient fetch failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the executor contract: 3 attempts, 1s base,
// doubling, capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2.0,
		MaxDelay:   60 * time.Second,
	}
}

// Delay returns the backoff before retry attempt n (0-based), including
// jitter of 0.1 to 0.3 of the raw delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	jitter := d * (0.1 + rand.Float64()*0.2)
	return time.Duration(d + jitter)
}

// Do runs fn until it succeeds or the attempts are exhausted, sleeping the
// policy's delay between attempts. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt - 1)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
