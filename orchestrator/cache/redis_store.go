// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisKeyPrefix namespaces cache buckets in a shared Redis.
const redisKeyPrefix = "mindloop:cache:"

// RedisStore keeps each bucket as a Redis hash, one field per entry. The
// whole bucket carries a TTL so abandoned buckets age out even if no
// lookup ever sweeps them.
type RedisStore struct {
	client    *redis.Client
	bucketTTL time.Duration
}

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(ctx context.Context, client *redis.Client, bucketTTL time.Duration) (*RedisStore, error) {
	if bucketTTL <= 0 {
		bucketTTL = 2 * DefaultTTL
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client, bucketTTL: bucketTTL}, nil
}

// Put stores the entry and refreshes the bucket TTL.
func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	key := redisKeyPrefix + entry.Bucket
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry.Key, data)
	pipe.Expire(ctx, key, s.bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Candidates returns every parseable entry in the bucket. Corrupt fields
// are deleted in place and skipped; the caller sees them as misses.
func (s *RedisStore) Candidates(ctx context.Context, bucket string) ([]Entry, error) {
	key := redisKeyPrefix + bucket
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis candidate scan: %w", err)
	}

	entries := make([]Entry, 0, len(fields))
	for field, raw := range fields {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.client.HDel(ctx, key, field)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Touch rewrites the entry with a bumped hit count and access time.
// Redis eviction is TTL-driven, but the counters keep the entry metadata
// consistent with the in-memory store.
func (s *RedisStore) Touch(ctx context.Context, bucket, key string, at time.Time) error {
	hashKey := redisKeyPrefix + bucket
	raw, err := s.client.HGet(ctx, hashKey, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("redis touch read: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil
	}
	entry.HitCount++
	entry.LastAccessedAt = at
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return s.client.HSet(ctx, hashKey, key, data).Err()
}

// Delete removes one entry from a bucket.
func (s *RedisStore) Delete(ctx context.Context, bucket, key string) error {
	return s.client.HDel(ctx, redisKeyPrefix+bucket, key).Err()
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }
