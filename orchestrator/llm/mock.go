// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a canned-response provider used for local development
// (provider type "mock" in config) and in tests.
type MockProvider struct {
	name string

	mu           sync.Mutex
	response     string
	err          error // persistent failure
	failures     int   // remaining transient failures
	transientErr error
	calls        int
	latency      time.Duration
}

// NewMockProvider creates a mock that echoes a canned response.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:     name,
		response: "mock response",
	}
}

// SetResponse sets the canned completion content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// SetError makes every Complete call fail with err.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// FailTimes makes the next n Complete calls fail with err, then recover.
func (p *MockProvider) FailTimes(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	p.transientErr = err
}

// SetLatency adds artificial latency to Complete.
func (p *MockProvider) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// Calls returns how many Complete calls the mock has served.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Name returns the provider instance name
func (p *MockProvider) Name() string { return p.name }

// Type returns the provider type
func (p *MockProvider) Type() ProviderType { return ProviderTypeMock }

// Complete returns the canned response. Token usage is derived from the
// prompt and response lengths so cost accounting has something real to
// chew on.
func (p *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	var err error
	if p.failures > 0 {
		p.failures--
		err = p.transientErr
	} else {
		err = p.err
	}
	response := p.response
	latency := p.latency
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	inputTokens := len(req.Prompt) / 4
	outputTokens := len(response) / 4
	return &CompletionResponse{
		Content:      response,
		Model:        req.Model,
		FinishReason: "stop",
		Usage: UsageStats{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
	}, nil
}

// HealthCheck always reports healthy unless an error is set.
func (p *MockProvider) HealthCheck(_ context.Context) (*HealthCheckResult, error) {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return &HealthCheckResult{Status: HealthStatusUnhealthy, Message: err.Error()}, nil
	}
	return &HealthCheckResult{Status: HealthStatusHealthy}, nil
}
