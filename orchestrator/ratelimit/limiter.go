// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package ratelimit bounds request admission per scope. Scopes are
// "user:<id>" or "global"; each capability gets its own counter so a
// burst of reflection summaries cannot starve coaching calls.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter admits or rejects a request for a scope and capability,
// consuming one slot when admitted.
type Limiter interface {
	CheckAndConsume(ctx context.Context, scope, capability string) (Decision, error)
}

// Config bounds admissions per key per window.
type Config struct {
	// Limit is the number of requests admitted per window. Default 60.
	Limit int

	// Window is the counting window. Default 1 minute.
	Window time.Duration
}

func (c *Config) applyDefaults() {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

// stripes is the lock stripe count for the in-memory limiter. Two
// simultaneous requests from the same user hash to the same stripe, so
// they can never double-consume a slot.
const stripes = 64

type window struct {
	start time.Time
	count int
}

// MemoryLimiter is a fixed-window in-process limiter with striped locks.
type MemoryLimiter struct {
	cfg     Config
	locks   [stripes]sync.Mutex
	windows [stripes]map[string]*window
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	cfg.applyDefaults()
	l := &MemoryLimiter{cfg: cfg}
	for i := range l.windows {
		l.windows[i] = make(map[string]*window)
	}
	return l
}

// CheckAndConsume admits the request if the key's window has capacity.
func (l *MemoryLimiter) CheckAndConsume(_ context.Context, scope, capability string) (Decision, error) {
	key := scope + "|" + capability
	idx := stripeFor(key)
	now := time.Now()

	l.locks[idx].Lock()
	defer l.locks[idx].Unlock()

	w, ok := l.windows[idx][key]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.windows[idx][key] = w
	}
	resetAt := w.start.Add(l.cfg.Window)

	if w.count >= l.cfg.Limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Limit - w.count,
		ResetAt:   resetAt,
	}, nil
}

func stripeFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripes)
}
