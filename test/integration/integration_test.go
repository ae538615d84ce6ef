// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package integration runs the full inference core over HTTP: config in,
// mux routing, orchestrator pipeline, and mock providers. No external
// services are required.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindloop/core/orchestrator"
	"mindloop/core/orchestrator/cost"
	"mindloop/core/orchestrator/llm"
	"mindloop/core/shared/types"
)

func startCore(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := orchestrator.DefaultConfig()
	cfg.Providers = []llm.ProviderConfig{{
		Name:    "mock",
		Type:    llm.ProviderTypeMock,
		Model:   "mock-model",
		Enabled: true,
	}}
	cfg.Routes = []llm.CapabilityRoute{{
		Capability:     "coaching-insight",
		Provider:       "mock",
		Model:          "mock-model",
		PromptTemplate: "Coach: {{input}}",
	}}
	cfg.Router.BaseBackoff = time.Millisecond
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	orch, cleanup, err := orchestrator.Build(ctx, cfg)
	require.NoError(t, err)
	// The mock provider is free by default; price it so cost flows are
	// observable end to end.
	orch.CostService().Pricing().SetModelPricing("mock", "*", cost.ModelPricing{InputPer1K: 0.1, OutputPer1K: 0.3})
	t.Cleanup(func() {
		cleanup()
		cancel()
	})

	srv := httptest.NewServer(orchestrator.NewHandler(orch))
	t.Cleanup(srv.Close)
	return srv
}

func invoke(t *testing.T, srv *httptest.Server, userID, input string) (*types.Response, int) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"user_id":    userID,
		"capability": "coaching-insight",
		"input":      input,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/invoke", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	var out types.Response
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return &out, resp.StatusCode
}

func TestEndToEndInvoke(t *testing.T) {
	srv := startCore(t)

	first, code := invoke(t, srv, "u1", "How do I prepare for a hard conversation?")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, first.Content)
	assert.Equal(t, "mock", first.Provider)
	assert.False(t, first.CacheHit)
	assert.Greater(t, first.CostCents, 0.0)

	// Same question again is served from cache at zero incremental cost.
	second, code := invoke(t, srv, "u1", "How do I prepare for a hard conversation?")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.CostCents)
	assert.Equal(t, first.Content, second.Content)
}

func TestEndToEndHealthAndMetrics(t *testing.T) {
	srv := startCore(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, code := invoke(t, srv, "u1", "How do I focus?")
	require.Equal(t, http.StatusOK, code)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() {
		_ = metricsResp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	var payload struct {
		Orchestrator struct {
			TotalRequests int64 `json:"total_requests"`
		} `json:"orchestrator"`
		Cache struct {
			Misses int64 `json:"misses"`
		} `json:"cache"`
	}
	require.NoError(t, json.NewDecoder(metricsResp.Body).Decode(&payload))
	assert.Equal(t, int64(1), payload.Orchestrator.TotalRequests)
	assert.Equal(t, int64(1), payload.Cache.Misses)
}

func TestEndToEndCostSummary(t *testing.T) {
	srv := startCore(t)

	_, code := invoke(t, srv, "u1", "How do I delegate more?")
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(srv.URL + "/api/v1/cost/summary?scope=user:u1&window=1h")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Summary struct {
			Requests       int     `json:"requests"`
			TotalCostCents float64 `json:"total_cost_cents"`
		} `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 1, payload.Summary.Requests)
	assert.Greater(t, payload.Summary.TotalCostCents, 0.0)
}

func TestEndToEndAdminExperimentLifecycle(t *testing.T) {
	srv := startCore(t)

	exp := map[string]interface{}{
		"id":                         "tone-test",
		"name":                       "Tone test",
		"capability":                 "coaching-insight",
		"status":                     "running",
		"traffic_allocation_percent": 100,
		"variants": []map[string]interface{}{
			{"id": "control", "name": "Control", "allocation_percent": 50, "is_control": true},
			{"id": "warm", "name": "Warm", "allocation_percent": 50},
		},
	}
	body, err := json.Marshal(exp)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/admin/experiments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first, code := invoke(t, srv, "u1", "How do I listen better?")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tone-test", first.ExperimentID)
	assert.NotEmpty(t, first.VariantID)

	// Assignment is sticky across requests.
	second, code := invoke(t, srv, "u1", "How do I delegate more?")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.VariantID, second.VariantID)
}

func TestEndToEndRateLimit(t *testing.T) {
	srv := startCore(t)

	// Default limit is 60/min; burn it down for one user.
	for i := 0; i < 60; i++ {
		_, code := invoke(t, srv, "heavy-user", "spam")
		require.Equal(t, http.StatusOK, code)
	}
	_, code := invoke(t, srv, "heavy-user", "one too many")
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Other users are unaffected.
	_, code = invoke(t, srv, "light-user", "hello")
	assert.Equal(t, http.StatusOK, code)
}
