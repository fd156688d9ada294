// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voslund/fetchd/internal/faults"
)

// RetryPolicy bounds the retry loop for external calls.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy suits indexer and download-client calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Retry runs fn with exponential backoff and jitter. Permanent faults abort
// immediately; rate-limited faults honor the server's retry hint as a floor.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !faults.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxAttempts {
			return lastErr
		}

		delay := bo.NextBackOff()
		var f *faults.Fault
		if errors.As(lastErr, &f) && f.Kind == faults.KindRateLimited {
			if hint := time.Duration(f.RetryAfterMs) * time.Millisecond; hint > delay {
				delay = hint
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
