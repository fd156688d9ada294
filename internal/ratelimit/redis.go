// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fetchd:ratelimit:"

// RedisRecords stores admission records in per-indexer sorted sets, scored by
// unix-nano timestamp. Members carry a uuid suffix so simultaneous records do
// not collapse.
type RedisRecords struct {
	client redis.UniversalClient

	mu   sync.Mutex
	keys map[string]bool // indexers seen, for DeleteBefore
}

// NewRedisRecords wraps an existing Redis client.
func NewRedisRecords(client redis.UniversalClient) *RedisRecords {
	return &RedisRecords{client: client, keys: make(map[string]bool)}
}

func (r *RedisRecords) key(indexer string) string {
	return redisKeyPrefix + indexer
}

func (r *RedisRecords) Add(ctx context.Context, key string, ts time.Time) error {
	r.mu.Lock()
	r.keys[key] = true
	r.mu.Unlock()

	member := strconv.FormatInt(ts.UnixNano(), 10) + ":" + uuid.New().String()
	return r.client.ZAdd(ctx, r.key(key), redis.Z{
		Score:  float64(ts.UnixNano()),
		Member: member,
	}).Err()
}

func (r *RedisRecords) CountSince(ctx context.Context, key string, since time.Time) (int, time.Time, error) {
	min := strconv.FormatInt(since.UnixNano(), 10)
	vals, err := r.client.ZRangeByScoreWithScores(ctx, r.key(key), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis range: %w", err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, nil
	}
	oldest := time.Unix(0, int64(vals[0].Score))
	return len(vals), oldest, nil
}

func (r *RedisRecords) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	max := strconv.FormatInt(cutoff.UnixNano(), 10)
	deleted := 0
	for _, k := range keys {
		n, err := r.client.ZRemRangeByScore(ctx, r.key(k), "-inf", "("+max).Result()
		if err != nil {
			return deleted, fmt.Errorf("ratelimit: redis gc: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

var _ RecordStore = (*RedisRecords)(nil)
