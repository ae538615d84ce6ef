// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry manages the set of named provider instances available for
// routing. It tracks per-provider health so the router can skip providers
// that are failing their health checks.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]ProviderConfig
	health    map[string]*HealthCheckResult
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		configs:   make(map[string]ProviderConfig),
		health:    make(map[string]*HealthCheckResult),
	}
}

// Register adds a provider under its configured name. Registering the same
// name twice replaces the previous instance.
func (r *Registry) Register(provider Provider, config ProviderConfig) error {
	if provider == nil {
		return fmt.Errorf("provider is nil")
	}
	name := config.Name
	if name == "" {
		name = provider.Name()
	}
	if name == "" {
		return fmt.Errorf("provider has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
	r.configs[name] = config
	r.health[name] = &HealthCheckResult{Status: HealthStatusUnknown}
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// GetConfig returns the configuration a provider was registered with.
func (r *Registry) GetConfig(name string) (ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %q not registered", name)
	}
	return cfg, nil
}

// List returns all registered provider names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListEnabled returns the names of providers enabled for routing.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name, cfg := range r.configs {
		if cfg.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetHealthResult returns the last recorded health result for a provider.
func (r *Registry) GetHealthResult(name string) *HealthCheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.health[name]; ok {
		copy := *h
		return &copy
	}
	return nil
}

// IsHealthy reports whether a provider's last health check passed.
// Providers that have never been checked count as healthy so a fresh
// process can route before the first check completes.
func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[name]
	if !ok || h.Status == HealthStatusUnknown {
		return true
	}
	return h.Status == HealthStatusHealthy
}

// RecordHealth stores the result of a health check or a live call outcome.
func (r *Registry) RecordHealth(name string, result *HealthCheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.health[name]
	if result.Status == HealthStatusUnhealthy && prev != nil {
		result.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	result.LastChecked = time.Now().UTC()
	r.health[name] = result
}

// CheckAll runs health checks against every enabled provider.
func (r *Registry) CheckAll(ctx context.Context) {
	for _, name := range r.ListEnabled() {
		provider, err := r.Get(name)
		if err != nil {
			continue
		}
		result, err := provider.HealthCheck(ctx)
		if err != nil || result == nil {
			result = &HealthCheckResult{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("health check failed: %v", err),
			}
		}
		r.RecordHealth(name, result)
	}
}

// StartPeriodicHealthCheck launches a background goroutine that checks all
// enabled providers at the given interval until ctx is cancelled.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckAll(ctx)
			}
		}
	}()
}
