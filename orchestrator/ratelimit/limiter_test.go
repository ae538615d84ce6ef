// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAdmitsExactlyLimit(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndConsume(ctx, "user:u1", "conversation-coach")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.CheckAndConsume(ctx, "user:u1", "conversation-coach")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.ResetAt.IsZero())
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	d, err := l.CheckAndConsume(ctx, "user:u1", "conversation-coach")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Same user, different capability.
	d, err = l.CheckAndConsume(ctx, "user:u1", "reflection-summary")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Different user, same capability.
	d, err = l.CheckAndConsume(ctx, "user:u2", "conversation-coach")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiterWindowElapses(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 1, Window: 20 * time.Millisecond})
	ctx := context.Background()

	d, err := l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(30 * time.Millisecond)

	d, err = l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a fresh window should admit again")
}

func TestMemoryLimiterConcurrentConsumption(t *testing.T) {
	const limit = 50
	l := NewMemoryLimiter(Config{Limit: limit, Window: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndConsume(ctx, "user:u1", "cap")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed, "concurrent requests must never double-consume")
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	l, err := NewRedisLimiter(ctx, client, Config{Limit: 2, Window: time.Minute})
	require.NoError(t, err)

	d, err := l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Other scopes are unaffected.
	d, err = l.CheckAndConsume(ctx, "user:u2", "cap")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	l, err := NewRedisLimiter(ctx, client, Config{Limit: 1, Window: time.Minute})
	require.NoError(t, err)

	mr.Close()

	d, err := l.CheckAndConsume(ctx, "user:u1", "cap")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "redis outage must not reject traffic")
}
