// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"time"

	"github.com/voslund/fetchd/internal/faults"
	"github.com/voslund/fetchd/internal/ratelimit"
	"github.com/voslund/fetchd/internal/resilience"
)

// GuardedIndexer layers sliding-window admission, a circuit breaker and
// bounded retries around a raw indexer client.
type GuardedIndexer struct {
	inner   Indexer
	limiter *ratelimit.Limiter
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	maxWait time.Duration
}

// Guard wraps an indexer. limiter may be nil (unmetered source).
func Guard(inner Indexer, limiter *ratelimit.Limiter, breaker *resilience.CircuitBreaker) *GuardedIndexer {
	return &GuardedIndexer{
		inner:   inner,
		limiter: limiter,
		breaker: breaker,
		policy:  resilience.DefaultRetryPolicy(),
		maxWait: 2 * time.Minute,
	}
}

func (g *GuardedIndexer) Name() string { return g.inner.Name() }

func (g *GuardedIndexer) Search(ctx context.Context, q SearchQuery) ([]Release, error) {
	var out []Release
	err := resilience.Retry(ctx, g.policy, func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx, g.inner.Name(), g.maxWait); err != nil {
				return faults.Wrap(faults.KindRateLimited, "indexer admission", err)
			}
		}
		return g.breaker.Execute(func() error {
			releases, err := g.inner.Search(ctx, q)
			if err != nil {
				return err
			}
			out = releases
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Indexer = (*GuardedIndexer)(nil)
