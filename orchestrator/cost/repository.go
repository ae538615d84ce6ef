// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"sync"
	"time"
)

// Repository is the usage ledger. The global scope matches every record;
// any other scope matches exactly.
type Repository interface {
	SaveUsage(ctx context.Context, record *UsageRecord) error
	ListUsage(ctx context.Context, scope string, since time.Time) ([]UsageRecord, error)
	TotalCostCents(ctx context.Context, scope string, since time.Time) (float64, error)
	Close() error
}

func scopeMatches(scope string, record *UsageRecord) bool {
	return scope == GlobalScope || scope == "" || record.Scope == scope
}

// MemoryRepository keeps a rolling window of records in memory. Oldest
// records are dropped past the capacity or the retention horizon.
type MemoryRepository struct {
	mu       sync.RWMutex
	records  []UsageRecord
	capacity int
	horizon  time.Duration
	nextID   int64
}

// NewMemoryRepository creates a ledger bounded by capacity and horizon.
// Zero values default to 1000 records and 7 days.
func NewMemoryRepository(capacity int, horizon time.Duration) *MemoryRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	if horizon <= 0 {
		horizon = 7 * 24 * time.Hour
	}
	return &MemoryRepository{
		capacity: capacity,
		horizon:  horizon,
		nextID:   1,
	}
}

// SaveUsage appends the record and prunes the window.
func (r *MemoryRepository) SaveUsage(_ context.Context, record *UsageRecord) error {
	if record == nil {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record.ID = r.nextID
	r.nextID++
	r.records = append(r.records, *record)

	cutoff := time.Now().Add(-r.horizon)
	start := 0
	for start < len(r.records) && r.records[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(r.records) - start - r.capacity; over > 0 {
		start += over
	}
	if start > 0 {
		r.records = append([]UsageRecord(nil), r.records[start:]...)
	}
	return nil
}

// ListUsage returns records for the scope since the given time.
func (r *MemoryRepository) ListUsage(_ context.Context, scope string, since time.Time) ([]UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UsageRecord, 0, len(r.records))
	for i := range r.records {
		rec := &r.records[i]
		if rec.Timestamp.Before(since) {
			continue
		}
		if scopeMatches(scope, rec) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// TotalCostCents sums spend for the scope since the given time.
func (r *MemoryRepository) TotalCostCents(_ context.Context, scope string, since time.Time) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0.0
	for i := range r.records {
		rec := &r.records[i]
		if !rec.Timestamp.Before(since) && scopeMatches(scope, rec) {
			total += rec.CostCents
		}
	}
	return total, nil
}

// Close is a no-op for the in-memory ledger.
func (r *MemoryRepository) Close() error { return nil }
