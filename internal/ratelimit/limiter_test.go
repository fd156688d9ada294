// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRecordStores(t *testing.T, fn func(t *testing.T, records RecordStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRecords())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer func() { _ = client.Close() }()
		fn(t, NewRedisRecords(client))
	})
}

func TestAdmitSlidingWindow(t *testing.T) {
	withRecordStores(t, func(t *testing.T, records RecordStore) {
		ctx := context.Background()
		limiter := New(records, map[string]Rule{
			"nyaa": {Max: 3, Window: 10 * time.Second},
		})

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		now := base
		limiter.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			require.NoError(t, limiter.Admit(ctx, "nyaa"), "call %d inside budget", i)
		}

		err := limiter.Admit(ctx, "nyaa")
		var rej *ErrRejected
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, 10*time.Second, rej.RetryAfter, "oldest record just landed")

		// Slide past the window: the oldest record ages out.
		now = base.Add(11 * time.Second)
		require.NoError(t, limiter.Admit(ctx, "nyaa"))
	})
}

func TestAdmitUnmeteredIndexer(t *testing.T) {
	limiter := New(NewMemoryRecords(), nil)
	require.NoError(t, limiter.Admit(context.Background(), "unknown"))
}

func TestRetryAfterHint(t *testing.T) {
	withRecordStores(t, func(t *testing.T, records RecordStore) {
		ctx := context.Background()
		limiter := New(records, map[string]Rule{
			"prowlarr": {Max: 1, Window: 60 * time.Second},
		})

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		now := base
		limiter.now = func() time.Time { return now }

		require.NoError(t, limiter.Admit(ctx, "prowlarr"))

		now = base.Add(20 * time.Second)
		err := limiter.Admit(ctx, "prowlarr")
		var rej *ErrRejected
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, 40*time.Second, rej.RetryAfter,
			"retryAfter = window - (now - oldest)")
	})
}

func TestGC(t *testing.T) {
	withRecordStores(t, func(t *testing.T, records RecordStore) {
		ctx := context.Background()
		limiter := New(records, map[string]Rule{
			"a": {Max: 5, Window: 10 * time.Second},
			"b": {Max: 5, Window: 30 * time.Second},
		})

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		now := base
		limiter.now = func() time.Time { return now }

		require.NoError(t, limiter.Admit(ctx, "a"))
		require.NoError(t, limiter.Admit(ctx, "b"))

		// Cutoff is 2 x max(window) = 60s; nothing old enough yet.
		now = base.Add(30 * time.Second)
		deleted, err := limiter.GC(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)

		now = base.Add(2 * time.Minute)
		deleted, err = limiter.GC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})
}

func TestWaitHonorsContext(t *testing.T) {
	limiter := New(NewMemoryRecords(), map[string]Rule{
		"slow": {Max: 1, Window: time.Hour},
	})
	ctx := context.Background()
	require.NoError(t, limiter.Admit(ctx, "slow"))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := limiter.Wait(waitCtx, "slow", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
