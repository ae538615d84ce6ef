// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindloop/core/orchestrator/cache"
	"mindloop/core/orchestrator/cost"
	"mindloop/core/orchestrator/events"
	"mindloop/core/orchestrator/experiment"
	"mindloop/core/orchestrator/llm"
	"mindloop/core/orchestrator/ratelimit"
	"mindloop/core/shared/types"
)

// captureSink collects emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) WriteBatch(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) byType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	orch     *Orchestrator
	provider *llm.MockProvider
	repo     *cost.MemoryRepository
	sink     *captureSink
	emitter  *events.BatchingEmitter
	costSvc  *cost.Service
	engine   *experiment.Engine
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	ctx := context.Background()

	provider := llm.NewMockProvider("mock")
	provider.SetResponse("You could try reflecting back what you heard before responding.")

	registry := llm.NewRegistry()
	require.NoError(t, registry.Register(provider, llm.ProviderConfig{
		Name:    "mock",
		Type:    llm.ProviderTypeMock,
		Model:   "mock-model",
		Enabled: true,
	}))

	routes, err := llm.NewRouteTable([]llm.CapabilityRoute{{
		Capability:     "coaching-insight",
		Provider:       "mock",
		Model:          "mock-model",
		PromptTemplate: "Coach the user: {{input}}",
	}})
	require.NoError(t, err)

	router := llm.NewRouter(registry, routes, llm.RouterConfig{
		MaxRetries:     2,
		BaseBackoff:    time.Millisecond,
		AttemptTimeout: time.Second,
		MaxConcurrent:  4,
	})

	store := cache.NewMemoryStore(ctx, 100, time.Minute)
	sc := cache.New(store, cache.Config{Threshold: 0.85, TTL: time.Hour})

	sink := &captureSink{}
	emitter := events.NewBatchingEmitter(sink, events.EmitterConfig{
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = emitter.Shutdown(shutdownCtx)
	})

	repo := cost.NewMemoryRepository(0, 0)
	costSvc := cost.NewServiceWithOptions(repo, nil, nil, nil)
	// The mock provider is free by default; price it so cost assertions
	// exercise real arithmetic.
	costSvc.Pricing().SetModelPricing("mock", "*", cost.ModelPricing{InputPer1K: 0.1, OutputPer1K: 0.3})

	engine := experiment.NewEngine(experiment.NewMemoryAssignmentStore(), emitter, nil)

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
		Limit:  rateLimit,
		Window: time.Minute,
	})

	return &testEnv{
		orch:     New(router, sc, costSvc, engine, limiter, emitter, nil),
		provider: provider,
		repo:     repo,
		sink:     sink,
		emitter:  emitter,
		costSvc:  costSvc,
		engine:   engine,
	}
}

func coachingRequest(userID, input string) *types.Request {
	req := types.NewRequest(userID, types.CapabilityCoachingInsight, input)
	return req
}

func TestInvokeSuccess(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	resp, err := env.orch.Invoke(ctx, coachingRequest("u1", "How do I handle difficult conversations with my manager?"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "mock", resp.Provider)
	assert.Equal(t, "mock-model", resp.Model)
	assert.False(t, resp.CacheHit)
	assert.Greater(t, resp.Usage.TotalTokens, 0)
	assert.Greater(t, resp.CostCents, 0.0)
	assert.Equal(t, 1, env.provider.Calls())

	records, err := env.repo.ListUsage(ctx, "user:u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, resp.CostCents, records[0].CostCents)
	assert.False(t, records[0].CacheHit)
}

func TestInvokeCacheHitIsFreeAndRecorded(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	input := "How do I handle difficult conversations with my manager?"

	first, err := env.orch.Invoke(ctx, coachingRequest("u1", input))
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := env.orch.Invoke(ctx, coachingRequest("u1", input))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.CostCents)
	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.ID, second.ID)

	// Only the first request reached the provider, but both requests left
	// a ledger entry.
	assert.Equal(t, 1, env.provider.Calls())
	records, err := env.repo.ListUsage(ctx, "user:u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	hits := 0
	for _, rec := range records {
		if rec.CacheHit {
			hits++
			assert.Zero(t, rec.CostCents)
		}
	}
	assert.Equal(t, 1, hits)
}

func TestInvokeParaphraseServedFromCache(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	first, err := env.orch.Invoke(ctx, coachingRequest("u1", "How do I listen better?"))
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := env.orch.Invoke(ctx, coachingRequest("u1", "How can I be a better listener?"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, env.provider.Calls())
}

func TestInvokeCacheIsolatedPerUser(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	input := "How do I listen better?"

	_, err := env.orch.Invoke(ctx, coachingRequest("u1", input))
	require.NoError(t, err)

	resp, err := env.orch.Invoke(ctx, coachingRequest("u2", input))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, env.provider.Calls())
}

func TestInvokeRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	_, err := env.orch.Invoke(ctx, coachingRequest("u1", "first request"))
	require.NoError(t, err)

	_, err = env.orch.Invoke(ctx, coachingRequest("u1", "second request"))
	require.Error(t, err)
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "user:u1", rle.Scope)
	assert.False(t, rle.ResetAt.IsZero())
	assert.False(t, IsRetryableFailure(err))

	// Other users are not affected.
	_, err = env.orch.Invoke(ctx, coachingRequest("u2", "first request"))
	assert.NoError(t, err)
}

func TestInvokeBudgetHardBlock(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	require.NoError(t, env.costSvc.SetBudget(cost.Budget{
		Scope:           "user:u1",
		DailyLimitCents: 1,
		HardBlock:       true,
	}))
	require.NoError(t, env.costSvc.RecordUsage(ctx, &cost.UsageRecord{
		RequestID: "prior",
		UserID:    "u1",
		Scope:     "user:u1",
		Provider:  "mock",
		Model:     "mock-model",
		CostCents: 5,
	}))

	_, err := env.orch.Invoke(ctx, coachingRequest("u1", "am I over budget?"))
	require.Error(t, err)
	var bee *BudgetExceededError
	require.ErrorAs(t, err, &bee)
	assert.Equal(t, "user:u1", bee.Scope)

	// Budgets without hard blocking never reject.
	_, err = env.orch.Invoke(ctx, coachingRequest("u2", "still fine"))
	assert.NoError(t, err)
}

func TestInvokeProviderExhaustionIsTyped(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	env.provider.SetError(llm.NewProviderError("mock", llm.ErrCodeUnavailable, "upstream down"))

	req := coachingRequest("u1", "anyone home?")
	_, err := env.orch.Invoke(ctx, req)
	require.Error(t, err)
	var pfe *ProviderFailedError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, "coaching-insight", pfe.Capability)
	assert.True(t, IsRetryableFailure(err))

	fallback := FallbackResponse(req)
	assert.NotEmpty(t, fallback.ID)
	assert.Equal(t, req.ID, fallback.RequestID)
	assert.NotEmpty(t, fallback.Content)
	assert.True(t, fallback.Fallback)

	// Failed requests leave no ledger entry.
	records, listErr := env.repo.ListUsage(ctx, "user:u1", time.Time{})
	require.NoError(t, listErr)
	assert.Empty(t, records)
}

func TestInvokeTransientProviderFailureRecovers(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	env.provider.FailTimes(1, llm.NewProviderError("mock", llm.ErrCodeUnavailable, "blip"))

	resp, err := env.orch.Invoke(ctx, coachingRequest("u1", "retry please"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, 2, env.provider.Calls())
}

func TestInvokeInvalidRequest(t *testing.T) {
	env := newTestEnv(t, 100)

	_, err := env.orch.Invoke(context.Background(), &types.Request{UserID: "u1", Input: "no capability"})
	require.Error(t, err)
	var ire *InvalidRequestError
	assert.ErrorAs(t, err, &ire)
}

func TestInvokeExperimentAssignmentIsStickyAndExposed(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	require.NoError(t, env.engine.UpsertExperiment(experiment.Experiment{
		ID:         "prompt-tone",
		Name:       "Prompt tone test",
		Capability: "coaching-insight",
		Status:     experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "control", Name: "Control", AllocationPercent: 50, IsControl: true},
			{ID: "warm", Name: "Warm tone", AllocationPercent: 50, Config: &llm.VariantConfig{
				SystemPrompt: "You are a warm, encouraging coach.",
			}},
		},
		TrafficAllocationPercent: 100,
	}))

	first, err := env.orch.Invoke(ctx, coachingRequest("u1", "How do I listen better?"))
	require.NoError(t, err)
	assert.Equal(t, "prompt-tone", first.ExperimentID)
	assert.NotEmpty(t, first.VariantID)

	// The second request is a cache hit but keeps the same assignment and
	// still records an exposure.
	second, err := env.orch.Invoke(ctx, coachingRequest("u1", "How do I listen better?"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.VariantID, second.VariantID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.emitter.Shutdown(shutdownCtx))

	exposures := env.sink.byType(events.TypeExposure)
	assert.Len(t, exposures, 2)
}

func TestInvokeVariantOverridesRoute(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	require.NoError(t, env.engine.UpsertExperiment(experiment.Experiment{
		ID:         "model-swap",
		Capability: "coaching-insight",
		Status:     experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "alt", Name: "Alt model", AllocationPercent: 100, Config: &llm.VariantConfig{
				Model: "mock-model-large",
			}},
		},
		TrafficAllocationPercent: 100,
	}))

	resp, err := env.orch.Invoke(ctx, coachingRequest("u1", "Which model served me?"))
	require.NoError(t, err)
	assert.Equal(t, "alt", resp.VariantID)
	assert.Equal(t, "mock-model-large", resp.Model)
}

func TestMetricsCollectorSnapshot(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	_, err := env.orch.Invoke(ctx, coachingRequest("u1", "How do I listen better?"))
	require.NoError(t, err)

	env.provider.SetError(llm.NewProviderError("mock", llm.ErrCodeInvalidRequest, "bad prompt"))
	_, err = env.orch.Invoke(ctx, coachingRequest("u2", "this one fails"))
	require.Error(t, err)

	snap := env.orch.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.InDelta(t, 0.5, snap.SuccessRate, 0.001)
	require.Contains(t, snap.PerCapability, "coaching-insight")
	assert.Equal(t, int64(2), snap.PerCapability["coaching-insight"].Requests)
}

func TestMetricsCollectorCountsEveryFailureKind(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	// Rate limited: first request consumes the whole window.
	_, err := env.orch.Invoke(ctx, coachingRequest("u1", "How do I listen better?"))
	require.NoError(t, err)
	_, err = env.orch.Invoke(ctx, coachingRequest("u1", "over the limit"))
	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)

	// Invalid request.
	_, err = env.orch.Invoke(ctx, &types.Request{UserID: "u2", Input: "no capability"})
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)

	snap := env.orch.Metrics().Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.FailedRequests)
	assert.InDelta(t, 1.0/3.0, snap.SuccessRate, 0.001)
}
