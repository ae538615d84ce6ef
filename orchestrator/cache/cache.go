// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package cache implements the semantic response cache. Responses are
// stored under a fingerprint of the normalized prompt; a lookup matches
// any stored entry in the same capability/scope bucket whose fingerprint
// is similar enough, so close paraphrases hit without an exact key match.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mindloop/core/shared/logger"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a hit.
	DefaultThreshold = 0.85

	// DefaultTTL is how long entries stay servable.
	DefaultTTL = 1 * time.Hour

	// DefaultMaxEntries bounds the in-memory store.
	DefaultMaxEntries = 10000
)

// Entry is one cached response keyed by its prompt fingerprint.
type Entry struct {
	Key            string      `json:"key"`
	Bucket         string      `json:"bucket"`
	Fingerprint    Fingerprint `json:"fingerprint"`
	Payload        []byte      `json:"payload"`
	HitCount       int64       `json:"hit_count"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// lastUsed is the recency used for eviction ordering. Entries written
// before access tracking fall back to their creation time.
func (e *Entry) lastUsed() time.Time {
	if e.LastAccessedAt.IsZero() {
		return e.CreatedAt
	}
	return e.LastAccessedAt
}

// Store persists cache entries grouped into capability/scope buckets.
// Candidates returns every live entry in a bucket; similarity scoring
// happens in the cache, not the store. Touch marks an entry as served so
// capacity eviction drops the least recently used entry, not the oldest.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Candidates(ctx context.Context, bucket string) ([]Entry, error)
	Touch(ctx context.Context, bucket, key string, at time.Time) error
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Writes    int64   `json:"writes"`
	HitRatio  float64 `json:"hit_ratio"`
	Threshold float64 `json:"threshold"`
}

// Config configures a SemanticCache.
type Config struct {
	// Threshold is the minimum similarity for a hit. Default 0.85.
	Threshold float64

	// TTL is the entry lifetime. Default 1h.
	TTL time.Duration

	// Logger is optional.
	Logger *logger.Logger
}

// SemanticCache matches prompts against stored responses by fingerprint
// similarity. Lookup never surfaces store errors to the caller; anything
// that goes wrong on the read path is just a miss.
type SemanticCache struct {
	store     Store
	threshold float64
	ttl       time.Duration
	log       *logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// New creates a SemanticCache over the given store.
func New(store Store, cfg Config) *SemanticCache {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("semantic-cache")
	}
	return &SemanticCache{
		store:     store,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
		log:       cfg.Logger,
	}
}

// BucketKey groups entries so lookups only scan candidates that could
// legitimately serve the request. Scope keeps one user's cached coaching
// responses from leaking to another.
func BucketKey(capability, scope string) string {
	return capability + "|" + scope
}

// Lookup returns the payload of the best-matching live entry in the
// bucket, or found=false. Store errors and corrupt entries count as
// misses.
func (c *SemanticCache) Lookup(ctx context.Context, capability, scope, prompt string) (payload []byte, similarity float64, found bool) {
	bucket := BucketKey(capability, scope)
	fp := NewFingerprint(prompt)

	candidates, err := c.store.Candidates(ctx, bucket)
	if err != nil {
		c.log.Warn("", "", "cache candidate scan failed, treating as miss", map[string]interface{}{
			"bucket": bucket,
			"error":  err.Error(),
		})
		c.misses.Add(1)
		return nil, 0, false
	}

	now := time.Now()
	var best *Entry
	var bestScore float64
	for i := range candidates {
		entry := &candidates[i]
		if entry.Expired(now) {
			_ = c.store.Delete(ctx, bucket, entry.Key)
			continue
		}
		if score := Similarity(fp, entry.Fingerprint); score > bestScore {
			bestScore = score
			best = entry
		}
	}

	if best == nil || bestScore < c.threshold {
		c.misses.Add(1)
		return nil, bestScore, false
	}
	// Refresh recency so a frequently served entry outlives idle ones
	// under capacity pressure. A failed touch costs nothing but eviction
	// ordering.
	_ = c.store.Touch(ctx, bucket, best.Key, now)
	c.hits.Add(1)
	return best.Payload, bestScore, true
}

// Put stores a response payload under the prompt's fingerprint.
func (c *SemanticCache) Put(ctx context.Context, capability, scope, prompt string, payload []byte) error {
	now := time.Now()
	entry := Entry{
		Key:            uuid.New().String(),
		Bucket:         BucketKey(capability, scope),
		Fingerprint:    NewFingerprint(prompt),
		Payload:        payload,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(c.ttl),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return err
	}
	c.writes.Add(1)
	return nil
}

// Stats returns a snapshot of hit/miss counters.
func (c *SemanticCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Writes:    c.writes.Load(),
		HitRatio:  ratio,
		Threshold: c.threshold,
	}
}

// Close releases the underlying store.
func (c *SemanticCache) Close() error { return c.store.Close() }

// MemoryStore is an in-process Store with a capacity bound and lazy plus
// periodic TTL eviction.
type MemoryStore struct {
	mu         sync.Mutex
	buckets    map[string]map[string]Entry
	count      int
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its eviction loop. The
// loop exits when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, maxEntries int, sweepInterval time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = 1 * time.Minute
	}
	s := &MemoryStore{
		buckets:    make(map[string]map[string]Entry),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go s.evictLoop(ctx, sweepInterval)
	return s
}

// Put stores the entry, evicting the least recently used entry when at
// capacity.
func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count >= s.maxEntries {
		s.evictLRULocked()
	}
	bucket, ok := s.buckets[entry.Bucket]
	if !ok {
		bucket = make(map[string]Entry)
		s.buckets[entry.Bucket] = bucket
	}
	if _, exists := bucket[entry.Key]; !exists {
		s.count++
	}
	bucket[entry.Key] = entry
	return nil
}

// Candidates returns the live entries in a bucket.
func (s *MemoryStore) Candidates(_ context.Context, bucket string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.buckets[bucket]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out, nil
}

// Touch records a serve, bumping the hit count and access time.
func (s *MemoryStore) Touch(_ context.Context, bucket, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.buckets[bucket]; ok {
		if e, exists := entries[key]; exists {
			e.HitCount++
			e.LastAccessedAt = at
			entries[key] = e
		}
	}
	return nil
}

// Delete removes one entry.
func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.buckets[bucket]; ok {
		if _, exists := entries[key]; exists {
			delete(entries, key)
			s.count--
		}
		if len(entries) == 0 {
			delete(s.buckets, bucket)
		}
	}
	return nil
}

// Close stops the eviction loop.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) evictLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired(time.Now())
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, entries := range s.buckets {
		for key, e := range entries {
			if e.Expired(now) {
				delete(entries, key)
				s.count--
			}
		}
		if len(entries) == 0 {
			delete(s.buckets, name)
		}
	}
}

// evictLRULocked drops the entry with the oldest access time. Caller
// holds the lock.
func (s *MemoryStore) evictLRULocked() {
	var lruBucket, lruKey string
	var lruAt time.Time
	first := true
	for name, entries := range s.buckets {
		for key, e := range entries {
			if used := e.lastUsed(); first || used.Before(lruAt) {
				first = false
				lruAt = used
				lruBucket = name
				lruKey = key
			}
		}
	}
	if lruKey != "" {
		delete(s.buckets[lruBucket], lruKey)
		s.count--
		if len(s.buckets[lruBucket]) == 0 {
			delete(s.buckets, lruBucket)
		}
	}
}
