// SPDX-License-Identifier: MIT

// Package ratelimit implements per-indexer sliding-window admission control.
// Each admitted call leaves a timestamped record; a call is admitted when the
// record count inside the window is below the configured maximum.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voslund/fetchd/internal/metrics"
)

// Rule is the sliding window for one indexer.
type Rule struct {
	Max    int
	Window time.Duration
}

// RecordStore persists admission records. Implementations: in-memory, Redis.
type RecordStore interface {
	// Add appends a record for key at ts.
	Add(ctx context.Context, key string, ts time.Time) error
	// CountSince returns the number of records in [since, now] and the oldest
	// record timestamp inside that range (zero time if none).
	CountSince(ctx context.Context, key string, since time.Time) (int, time.Time, error)
	// DeleteBefore drops records older than cutoff across all keys.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrRejected is returned when the window is full. RetryAfter is the duration
// until the oldest in-window record ages out.
type ErrRejected struct {
	Indexer    string
	RetryAfter time.Duration
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Indexer, e.RetryAfter)
}

// Limiter manages the sliding windows of all configured indexers.
type Limiter struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	records RecordStore
	now     func() time.Time
}

// New builds a limiter over the given record store.
func New(records RecordStore, rules map[string]Rule) *Limiter {
	r := make(map[string]Rule, len(rules))
	for k, v := range rules {
		r[k] = v
	}
	return &Limiter{rules: r, records: records, now: time.Now}
}

// SetRule installs or replaces the rule for an indexer.
func (l *Limiter) SetRule(indexer string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[indexer] = rule
}

func (l *Limiter) rule(indexer string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rules[indexer]
	return r, ok
}

// Admit records and admits one call for the indexer, or returns *ErrRejected
// with a retry hint. Indexers without a rule are always admitted (unmetered).
func (l *Limiter) Admit(ctx context.Context, indexer string) error {
	rule, ok := l.rule(indexer)
	if !ok || rule.Max <= 0 {
		return nil
	}

	now := l.now()
	count, oldest, err := l.records.CountSince(ctx, indexer, now.Add(-rule.Window))
	if err != nil {
		return fmt.Errorf("ratelimit: count for %s: %w", indexer, err)
	}
	if count >= rule.Max {
		metrics.RateLimitRejectedTotal.WithLabelValues(indexer).Inc()
		retry := rule.Window - now.Sub(oldest)
		if retry < 0 {
			retry = 0
		}
		return &ErrRejected{Indexer: indexer, RetryAfter: retry}
	}
	return l.records.Add(ctx, indexer, now)
}

// Wait blocks until a call is admitted or ctx is done. Rejections are paced by
// exponential backoff capped at maxWait, using the server hint as the floor.
func (l *Limiter) Wait(ctx context.Context, indexer string, maxWait time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = maxWait
	bo.MaxElapsedTime = 0 // retry until ctx is done

	for {
		err := l.Admit(ctx, indexer)
		if err == nil {
			return nil
		}
		rej, ok := err.(*ErrRejected)
		if !ok {
			return err
		}

		delay := bo.NextBackOff()
		if rej.RetryAfter > delay {
			delay = rej.RetryAfter
		}
		if delay > maxWait {
			delay = maxWait
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

// GC deletes records older than twice the largest configured window. Run
// periodically from the scheduler.
func (l *Limiter) GC(ctx context.Context) (int, error) {
	l.mu.RLock()
	var maxWindow time.Duration
	for _, r := range l.rules {
		if r.Window > maxWindow {
			maxWindow = r.Window
		}
	}
	l.mu.RUnlock()
	if maxWindow == 0 {
		return 0, nil
	}
	return l.records.DeleteBefore(ctx, l.now().Add(-2*maxWindow))
}
