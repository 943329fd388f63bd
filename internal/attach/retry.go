package attach

import (
	"context"
	"math"
	"time"
)

// RetryPolicy controls how failed uploads are retried with exponential
// backoff. Only network and server error classes retry; validation, auth,
// size, and abort failures never do.
type RetryPolicy struct {
	MaxRetries   int // retries after the initial attempt
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the upload retry defaults:
// 3 retries, 1s initial delay, 2x multiplier, 5s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// NextDelay returns the backoff delay before the given retry (1-indexed).
// The delay is InitialDelay * Multiplier^(retry-1), capped at MaxDelay.
func (p RetryPolicy) NextDelay(retry int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done. The Manager config can replace it
// so backoff is testable without real waits.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
