// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
)

// ModelPricing contains pricing per 1K tokens for a model, in cents.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// PricingConfig holds pricing for all providers and models. Each provider
// map may carry a "*" entry used for models not listed explicitly.
type PricingConfig struct {
	Providers map[string]map[string]ModelPricing `json:"providers"`
	mu        sync.RWMutex
}

// fallbackPricing is the conservative default used when even the provider
// is unknown. Deliberately priced high so an unpriced model shows up in
// cost reports rather than hiding as free.
var fallbackPricing = ModelPricing{InputPer1K: 1.0, OutputPer1K: 3.0}

// DefaultPricing contains pricing for the providers the router ships with.
// Cents per 1K tokens, as of January 2025.
var DefaultPricing = &PricingConfig{
	Providers: map[string]map[string]ModelPricing{
		"anthropic": {
			"claude-3-5-sonnet":          {InputPer1K: 0.3, OutputPer1K: 1.5},
			"claude-3-5-sonnet-20241022": {InputPer1K: 0.3, OutputPer1K: 1.5},
			"claude-3-5-haiku":           {InputPer1K: 0.08, OutputPer1K: 0.4},
			"claude-3-5-haiku-20241022":  {InputPer1K: 0.08, OutputPer1K: 0.4},
			"claude-3-opus":              {InputPer1K: 1.5, OutputPer1K: 7.5},
			"claude-3-haiku":             {InputPer1K: 0.025, OutputPer1K: 0.125},
			"claude-3-haiku-20240307":    {InputPer1K: 0.025, OutputPer1K: 0.125},
			"*":                          {InputPer1K: 0.3, OutputPer1K: 1.5},
		},
		"openai": {
			"gpt-4o":        {InputPer1K: 0.25, OutputPer1K: 1.0},
			"gpt-4o-mini":   {InputPer1K: 0.015, OutputPer1K: 0.06},
			"gpt-4-turbo":   {InputPer1K: 1.0, OutputPer1K: 3.0},
			"gpt-4":         {InputPer1K: 3.0, OutputPer1K: 6.0},
			"gpt-3.5-turbo": {InputPer1K: 0.05, OutputPer1K: 0.15},
			"o1-mini":       {InputPer1K: 0.3, OutputPer1K: 1.2},
			"*":             {InputPer1K: 1.0, OutputPer1K: 3.0},
		},
		"bedrock": {
			"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.3, OutputPer1K: 1.5},
			"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.025, OutputPer1K: 0.125},
			"amazon.titan-text-express-v1":              {InputPer1K: 0.02, OutputPer1K: 0.06},
			"amazon.titan-text-lite-v1":                 {InputPer1K: 0.015, OutputPer1K: 0.02},
			"meta.llama3-8b-instruct-v1:0":              {InputPer1K: 0.03, OutputPer1K: 0.06},
			"meta.llama3-70b-instruct-v1:0":             {InputPer1K: 0.265, OutputPer1K: 0.35},
			"*":                                         {InputPer1K: 0.3, OutputPer1K: 1.5},
		},
		"mock": {
			// Test provider is free.
			"*": {InputPer1K: 0, OutputPer1K: 0},
		},
	},
}

// NewPricingConfig creates a pricing configuration seeded with defaults.
func NewPricingConfig() *PricingConfig {
	return &PricingConfig{Providers: copyProviders(DefaultPricing.Providers)}
}

// LoadPricingFromEnv loads custom pricing from the MINDLOOP_PRICING_CONFIG
// env var, merged over the defaults.
func LoadPricingFromEnv() *PricingConfig {
	config := NewPricingConfig()

	pricingJSON := os.Getenv("MINDLOOP_PRICING_CONFIG")
	if pricingJSON != "" {
		var custom PricingConfig
		if err := json.Unmarshal([]byte(pricingJSON), &custom); err == nil {
			config.merge(&custom)
		}
	}
	return config
}

// LoadPricingFromFile loads pricing from a JSON file, merged over the
// defaults.
func LoadPricingFromFile(path string) (*PricingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := NewPricingConfig()
	var custom PricingConfig
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, err
	}
	config.merge(&custom)
	return config, nil
}

func (p *PricingConfig) merge(custom *PricingConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for provider, models := range custom.Providers {
		if p.Providers[provider] == nil {
			p.Providers[provider] = make(map[string]ModelPricing)
		}
		for model, pricing := range models {
			p.Providers[provider][model] = pricing
		}
	}
}

// CalculateCostCents prices a call. Unknown models fall back to the
// provider's wildcard, unknown providers to a conservative default; this
// never errors so cost recording can't block a response.
func (p *PricingConfig) CalculateCostCents(provider, model string, tokensIn, tokensOut int) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pricing := fallbackPricing
	if providerPricing, ok := p.Providers[strings.ToLower(provider)]; ok {
		if mp, ok := providerPricing[model]; ok {
			pricing = mp
		} else if mp, ok := providerPricing[strings.ToLower(model)]; ok {
			pricing = mp
		} else if mp, ok := providerPricing["*"]; ok {
			pricing = mp
		}
	}

	inputCost := float64(tokensIn) / 1000.0 * pricing.InputPer1K
	outputCost := float64(tokensOut) / 1000.0 * pricing.OutputPer1K
	return inputCost + outputCost
}

// GetModelPricing returns pricing for a specific model, falling back to
// the provider wildcard.
func (p *PricingConfig) GetModelPricing(provider, model string) (ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	providerPricing, ok := p.Providers[strings.ToLower(provider)]
	if !ok {
		return ModelPricing{}, false
	}
	pricing, ok := providerPricing[model]
	if !ok {
		pricing, ok = providerPricing["*"]
	}
	return pricing, ok
}

// SetModelPricing overrides pricing for a specific model.
func (p *PricingConfig) SetModelPricing(provider, model string, pricing ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	provider = strings.ToLower(provider)
	if p.Providers[provider] == nil {
		p.Providers[provider] = make(map[string]ModelPricing)
	}
	p.Providers[provider][model] = pricing
}

func copyProviders(src map[string]map[string]ModelPricing) map[string]map[string]ModelPricing {
	dst := make(map[string]map[string]ModelPricing, len(src))
	for provider, models := range src {
		dst[provider] = make(map[string]ModelPricing, len(models))
		for model, pricing := range models {
			dst[provider][model] = pricing
		}
	}
	return dst
}
