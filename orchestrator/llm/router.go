// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"
)

// AttemptObserver receives a record for every provider attempt, success or
// failure, so cost and latency are never silently lost.
type AttemptObserver interface {
	ObserveAttempt(attempt Attempt)
}

// Attempt describes one call to one provider.
type Attempt struct {
	Capability string        `json:"capability"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Usage      UsageStats    `json:"usage"`
	Latency    time.Duration `json:"latency"`
	Err        error         `json:"-"`
	Failover   bool          `json:"failover"`
}

// RouteInfo describes how a request was ultimately served.
type RouteInfo struct {
	Provider     string        `json:"provider"`
	ProviderType ProviderType  `json:"provider_type"`
	Model        string        `json:"model"`
	Attempts     int           `json:"attempts"`
	FailedOver   bool          `json:"failed_over"`
	TotalLatency time.Duration `json:"total_latency"`
}

// RouterConfig configures the Router.
type RouterConfig struct {
	// MaxRetries is the number of retries per provider after the first
	// attempt. Defaults to 2 (3 attempts total).
	MaxRetries int

	// BaseBackoff is the initial retry delay; doubled per attempt with
	// 20% jitter. Defaults to 500ms.
	BaseBackoff time.Duration

	// AttemptTimeout caps each individual provider call.
	// Defaults to 30s.
	AttemptTimeout time.Duration

	// MaxConcurrent bounds in-flight provider calls across the process.
	// Defaults to 32.
	MaxConcurrent int

	// Observer receives per-attempt records. Optional.
	Observer AttemptObserver

	// Logger is the logger to use. If nil, a default logger is created.
	Logger *log.Logger
}

// Router executes capability requests against the provider a route
// resolves to, with bounded retries, backoff, and failover to the route's
// fallback provider.
type Router struct {
	registry *Registry
	routes   *RouteTable
	cfg      RouterConfig

	sem    chan struct{}
	random *rand.Rand
	mu     sync.Mutex // guards random
	logger *log.Logger
}

// NewRouter creates a Router over the given registry and route table.
func NewRouter(registry *Registry, routes *RouteTable, cfg RouterConfig) *Router {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[LLM_ROUTER] ", log.LstdFlags)
	}
	return &Router{
		registry: registry,
		routes:   routes,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger,
	}
}

// Registry returns the underlying provider registry.
func (r *Router) Registry() *Registry { return r.registry }

// Routes returns the underlying route table.
func (r *Router) Routes() *RouteTable { return r.routes }

// Execute resolves the route for a capability (with variant overrides),
// renders the prompt, and calls the provider. Retryable failures are
// retried with exponential backoff; when the primary is exhausted the
// fallback provider (if configured and healthy) gets one retry cycle.
// On exhaustion a typed *ProviderError with code ErrCodeExhausted is
// returned, never a partial response.
func (r *Router) Execute(ctx context.Context, capability string, inputs map[string]string, variant *VariantConfig) (*CompletionResponse, *RouteInfo, error) {
	route, err := r.routes.Resolve(capability, variant)
	if err != nil {
		return nil, nil, err
	}

	req := CompletionRequest{
		Prompt:       RenderPrompt(route.PromptTemplate, inputs),
		SystemPrompt: route.SystemPrompt,
		MaxTokens:    route.MaxTokens,
		Temperature:  route.Temperature,
		Model:        route.Model,
	}

	// Bound fan-out to providers process-wide.
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, nil, NewProviderError(route.Provider, ErrCodeTimeout, "cancelled waiting for provider slot")
	}

	start := time.Now()
	info := &RouteInfo{Provider: route.Provider, Model: route.Model}

	resp, err := r.executeWithRetry(ctx, route.Provider, capability, req, false, info)
	if err == nil {
		info.TotalLatency = time.Since(start)
		return resp, info, nil
	}

	if route.FallbackProvider != "" && route.FallbackProvider != route.Provider && isRetryableErr(err) {
		r.logger.Printf("capability=%s failing over from %s to %s: %v",
			capability, route.Provider, route.FallbackProvider, err)
		info.FailedOver = true
		info.Provider = route.FallbackProvider
		resp, err = r.executeWithRetry(ctx, route.FallbackProvider, capability, req, true, info)
		if err == nil {
			info.TotalLatency = time.Since(start)
			return resp, info, nil
		}
	}

	exhausted := NewProviderError(info.Provider, ErrCodeExhausted, "all providers failed")
	exhausted.Cause = err
	return nil, nil, exhausted
}

// executeWithRetry runs up to 1+MaxRetries attempts against one provider.
func (r *Router) executeWithRetry(ctx context.Context, providerName, capability string, req CompletionRequest, failover bool, info *RouteInfo) (*CompletionResponse, error) {
	provider, err := r.registry.Get(providerName)
	if err != nil {
		return nil, NewProviderError(providerName, ErrCodeUnavailable, err.Error())
	}
	if info != nil {
		info.ProviderType = provider.Type()
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		attemptStart := time.Now()
		resp, err := provider.Complete(attemptCtx, req)
		cancel()
		latency := time.Since(attemptStart)

		if info != nil {
			info.Attempts++
		}

		record := Attempt{
			Capability: capability,
			Provider:   providerName,
			Model:      req.Model,
			Latency:    latency,
			Err:        err,
			Failover:   failover,
		}
		if resp != nil {
			record.Usage = resp.Usage
			record.Model = resp.Model
		}
		if r.cfg.Observer != nil {
			r.cfg.Observer.ObserveAttempt(record)
		}

		if err == nil {
			r.registry.RecordHealth(providerName, &HealthCheckResult{
				Status:  HealthStatusHealthy,
				Latency: latency,
			})
			if info != nil {
				info.Model = resp.Model
			}
			return resp, nil
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = NewProviderError(providerName, ErrCodeTimeout, "provider call timed out")
		}
		lastErr = err
		r.registry.RecordHealth(providerName, &HealthCheckResult{
			Status:  HealthStatusUnhealthy,
			Latency: latency,
			Message: err.Error(),
		})

		if !isRetryableErr(err) || attempt == r.cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(r.backoff(attempt)):
		case <-ctx.Done():
			return nil, NewProviderError(providerName, ErrCodeTimeout, "cancelled during retry backoff")
		}
	}
	return nil, lastErr
}

// backoff returns the delay before the given retry attempt with 20% jitter.
func (r *Router) backoff(attempt int) time.Duration {
	base := float64(r.cfg.BaseBackoff) * float64(int(1)<<attempt)
	r.mu.Lock()
	jitter := r.random.Float64() * 0.2 * base
	r.mu.Unlock()
	return time.Duration(base + jitter)
}

// isRetryableErr reports whether an error should trigger retry/failover.
// Unknown error types count as non-retryable so malformed requests fail
// fast instead of burning retries.
func isRetryableErr(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
