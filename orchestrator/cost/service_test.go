// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureAlerter records every alert it receives.
type captureAlerter struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (a *captureAlerter) Alert(_ context.Context, event AlertEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *captureAlerter) snapshot() []AlertEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AlertEvent(nil), a.events...)
}

func newTestService(t *testing.T) (*Service, *captureAlerter) {
	t.Helper()
	alerter := &captureAlerter{}
	svc := NewServiceWithOptions(NewMemoryRepository(0, 0), NewPricingConfig(), alerter, nil)
	return svc, alerter
}

func record(scope string, costCents float64) *UsageRecord {
	return &UsageRecord{
		RequestID:  "r1",
		Scope:      scope,
		Capability: "conversation-coach",
		Provider:   "anthropic",
		Model:      "claude-3-5-sonnet-20241022",
		TokensIn:   100,
		TokensOut:  50,
		CostCents:  costCents,
	}
}

func TestRecordUsagePricesUnpricedRecords(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := record("user:u1", 0)
	require.NoError(t, svc.RecordUsage(ctx, rec))

	// 100 in at 0.3/1K + 50 out at 1.5/1K
	assert.InDelta(t, 0.03+0.075, rec.CostCents, 1e-9)
}

func TestRecordUsageCacheHitIsFree(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec := record("user:u1", 0)
	rec.CacheHit = true
	require.NoError(t, svc.RecordUsage(ctx, rec))
	assert.Zero(t, rec.CostCents)
}

func TestBudgetAlertThresholds(t *testing.T) {
	svc, alerter := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetBudget(Budget{Scope: "user:u1", DailyLimitCents: 100}))

	// 70% spent: no alert yet.
	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 70)))
	assert.Empty(t, alerter.snapshot())

	// 85% spent: warning.
	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 15)))
	events := alerter.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "budget_warning", events[0].AlertType)
	assert.Equal(t, 80, events[0].Threshold)

	// Still over 80%, but the warning must not repeat.
	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 5)))
	assert.Len(t, alerter.snapshot(), 1)

	// 105% spent: critical fires once.
	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 15)))
	events = alerter.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "budget_critical", events[1].AlertType)
	assert.Equal(t, 100, events[1].Threshold)
}

func TestBudgetStatusAndHardBlock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetBudget(Budget{Scope: "user:u1", DailyLimitCents: 50, HardBlock: true}))

	assert.False(t, svc.Blocked(ctx, "user:u1"))

	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 60)))

	status, err := svc.Status(ctx, "user:u1")
	require.NoError(t, err)
	assert.True(t, status.Exceeded)
	assert.InDelta(t, 120.0, status.Percent, 0.001)
	assert.True(t, svc.Blocked(ctx, "user:u1"))

	// Scopes without a budget are never blocked.
	assert.False(t, svc.Blocked(ctx, "user:other"))
}

func TestGlobalBudgetCoversAllScopes(t *testing.T) {
	svc, alerter := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetBudget(Budget{Scope: GlobalScope, DailyLimitCents: 100}))

	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 60)))
	require.NoError(t, svc.RecordUsage(ctx, record("user:u2", 60)))

	events := alerter.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, GlobalScope, events[0].Scope)
}

func TestStatusWithoutBudget(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Status(context.Background(), "user:nobody")
	assert.ErrorIs(t, err, ErrNoBudget)
}

func TestSetBudgetValidation(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Error(t, svc.SetBudget(Budget{Scope: "", DailyLimitCents: 10}))
	assert.Error(t, svc.SetBudget(Budget{Scope: "user:u1", DailyLimitCents: 0}))
	assert.Error(t, svc.SetBudget(Budget{Scope: "user:u1", DailyLimitCents: 10, AlertThresholds: []int{150}}))
}

func TestMetricsAggregation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 10)))

	cheap := record("user:u1", 2)
	cheap.Provider = "openai"
	cheap.Model = "gpt-4o-mini"
	cheap.Capability = "reflection-summary"
	require.NoError(t, svc.RecordUsage(ctx, cheap))

	hit := record("user:u1", 0)
	hit.CacheHit = true
	require.NoError(t, svc.RecordUsage(ctx, hit))

	summary, err := svc.Metrics(ctx, "user:u1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Requests)
	assert.InDelta(t, 12.0, summary.TotalCostCents, 1e-9)
	assert.Equal(t, 1, summary.CacheHits)
	assert.InDelta(t, 1.0/3.0, summary.CacheHitRatio, 0.001)
	assert.InDelta(t, 10.0, summary.CostByProvider["anthropic"], 1e-9)
	assert.InDelta(t, 2.0, summary.CostByCapability["reflection-summary"], 1e-9)
}

func TestRecommendations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// 30 expensive sonnet calls with heavy input and no cache hits.
	for i := 0; i < 30; i++ {
		rec := record("user:u1", 10)
		rec.TokensIn = 4000
		rec.TokensOut = 200
		require.NoError(t, svc.RecordUsage(ctx, rec))
	}

	recs, err := svc.Recommendations(ctx, "user:u1")
	require.NoError(t, err)

	types := make(map[string]bool)
	for _, r := range recs {
		types[r.Type] = true
		assert.Greater(t, r.EstimatedSavingsCents, 0.0)
	}
	assert.True(t, types[RecommendLighterModel], "dominant model should be flagged")
	assert.True(t, types[RecommendCacheReuse], "zero cache hits should be flagged")
	assert.True(t, types[RecommendTrimPrompts], "input-heavy prompts should be flagged")
}

func TestRecommendationsNeedSample(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordUsage(ctx, record("user:u1", 10)))

	recs, err := svc.Recommendations(ctx, "user:u1")
	require.NoError(t, err)
	assert.Empty(t, recs, "too few records to recommend anything")
}

func TestMemoryRepositoryCapacity(t *testing.T) {
	repo := NewMemoryRepository(5, time.Hour)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		rec := record("user:u1", 1)
		rec.Timestamp = time.Now()
		require.NoError(t, repo.SaveUsage(ctx, rec))
	}

	records, err := repo.ListUsage(ctx, "user:u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 5, "oldest records pruned past capacity")
}
