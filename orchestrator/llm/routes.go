// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CapabilityRoute maps a capability to the provider, model, and prompt
// template that serve it, plus an optional fallback provider used when the
// primary exhausts its retries.
type CapabilityRoute struct {
	Capability       string  `json:"capability" yaml:"capability"`
	Provider         string  `json:"provider" yaml:"provider"`
	FallbackProvider string  `json:"fallback_provider,omitempty" yaml:"fallback_provider"`
	Model            string  `json:"model,omitempty" yaml:"model"`
	PromptTemplate   string  `json:"prompt_template" yaml:"prompt_template"`
	SystemPrompt     string  `json:"system_prompt,omitempty" yaml:"system_prompt"`
	MaxTokens        int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
}

// Validate checks a route is routable.
func (r *CapabilityRoute) Validate() error {
	if r.Capability == "" {
		return fmt.Errorf("route has no capability")
	}
	if r.Provider == "" {
		return fmt.Errorf("route %q has no provider", r.Capability)
	}
	if r.PromptTemplate == "" {
		return fmt.Errorf("route %q has no prompt template", r.Capability)
	}
	return nil
}

// VariantConfig carries per-experiment-variant overrides for a route.
// Zero values mean "keep the route's setting". The orchestrator builds one
// from the active experiment variant before calling the router.
type VariantConfig struct {
	Provider       string   `json:"provider,omitempty" yaml:"provider"`
	Model          string   `json:"model,omitempty" yaml:"model"`
	PromptTemplate string   `json:"prompt_template,omitempty" yaml:"prompt_template"`
	SystemPrompt   string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	MaxTokens      int      `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature    *float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// ResolvedRoute is a route after variant overrides have been applied.
type ResolvedRoute struct {
	Capability       string
	Provider         string
	FallbackProvider string
	Model            string
	PromptTemplate   string
	SystemPrompt     string
	MaxTokens        int
	Temperature      float64
}

// RouteTable holds the capability routes. Safe for concurrent use; admin
// updates swap individual entries.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]CapabilityRoute
}

// NewRouteTable builds a table from the given routes.
func NewRouteTable(routes []CapabilityRoute) (*RouteTable, error) {
	t := &RouteTable{routes: make(map[string]CapabilityRoute, len(routes))}
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		t.routes[r.Capability] = r
	}
	return t, nil
}

// Set adds or replaces the route for a capability.
func (t *RouteTable) Set(route CapabilityRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[route.Capability] = route
	return nil
}

// Capabilities returns the configured capability names, sorted.
func (t *RouteTable) Capabilities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	caps := make([]string, 0, len(t.routes))
	for c := range t.routes {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Resolve returns the route for a capability with variant overrides
// applied. An unknown capability is a configuration error surfaced to the
// caller, never a silent default.
func (t *RouteTable) Resolve(capability string, variant *VariantConfig) (*ResolvedRoute, error) {
	t.mu.RLock()
	route, ok := t.routes[capability]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no route configured for capability %q", capability)
	}

	resolved := &ResolvedRoute{
		Capability:       route.Capability,
		Provider:         route.Provider,
		FallbackProvider: route.FallbackProvider,
		Model:            route.Model,
		PromptTemplate:   route.PromptTemplate,
		SystemPrompt:     route.SystemPrompt,
		MaxTokens:        route.MaxTokens,
		Temperature:      route.Temperature,
	}

	if variant != nil {
		if variant.Provider != "" {
			resolved.Provider = variant.Provider
		}
		if variant.Model != "" {
			resolved.Model = variant.Model
		}
		if variant.PromptTemplate != "" {
			resolved.PromptTemplate = variant.PromptTemplate
		}
		if variant.SystemPrompt != "" {
			resolved.SystemPrompt = variant.SystemPrompt
		}
		if variant.MaxTokens > 0 {
			resolved.MaxTokens = variant.MaxTokens
		}
		if variant.Temperature != nil {
			resolved.Temperature = *variant.Temperature
		}
	}

	return resolved, nil
}

// RenderPrompt substitutes {{key}} placeholders in the template with the
// given inputs. Unknown placeholders are left in place so a missing input
// is visible in the rendered prompt rather than silently dropped.
func RenderPrompt(template string, inputs map[string]string) string {
	if len(inputs) == 0 {
		return template
	}
	rendered := template
	for key, value := range inputs {
		rendered = strings.ReplaceAll(rendered, "{{"+key+"}}", value)
	}
	return rendered
}
