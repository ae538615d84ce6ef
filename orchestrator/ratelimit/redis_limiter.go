// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"mindloop/core/shared/logger"
)

const rateKeyPrefix = "mindloop:ratelimit:"

// RedisLimiter is a sliding-window limiter shared across instances. The
// window is a sorted set of request timestamps; the check prunes, counts,
// and records in one pipeline. Redis errors fail open so a cache outage
// degrades rate limiting, not the product.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	log    *logger.Logger
}

// NewRedisLimiter creates a Redis-backed limiter and verifies
// connectivity.
func NewRedisLimiter(ctx context.Context, client *redis.Client, cfg Config) (*RedisLimiter, error) {
	cfg.applyDefaults()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		log:    logger.New("ratelimit"),
	}, nil
}

// CheckAndConsume admits the request if fewer than Limit requests landed
// in the trailing window.
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, scope, capability string) (Decision, error) {
	key := rateKeyPrefix + scope + "|" + capability
	now := time.Now()
	windowStart := now.Add(-l.cfg.Window)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*l.cfg.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("", "", "redis rate check failed, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return Decision{Allowed: true, Remaining: l.cfg.Limit, ResetAt: now.Add(l.cfg.Window)}, nil
	}

	count := int(countCmd.Val())
	resetAt := now.Add(l.cfg.Window)
	if count >= l.cfg.Limit {
		// The probe timestamp already landed but over-limit requests are
		// rejected; remove it so rejected traffic doesn't extend the
		// window.
		l.client.ZRem(ctx, key, fmt.Sprintf("%d", now.UnixNano()))
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Limit - count - 1,
		ResetAt:   resetAt,
	}, nil
}
