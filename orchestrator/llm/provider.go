// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	// Example: "anthropic-primary", "openai-backup"
	Name() string

	// Type returns the provider type (e.g., "openai", "anthropic").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational. Implementations
	// should check API connectivity and complete within a short timeout.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}

// ProviderConfig contains configuration for creating a provider instance.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name" yaml:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type" yaml:"type"`

	// APIKey is the authentication key for the provider API.
	// For AWS Bedrock this may be empty (uses IAM).
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`

	// Endpoint is the API endpoint URL. Empty means provider default.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`

	// Model is the default model to use.
	Model string `json:"model,omitempty" yaml:"model"`

	// Region is the cloud region (for AWS Bedrock).
	Region string `json:"region,omitempty" yaml:"region"`

	// Enabled indicates if this provider is available for routing.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// TimeoutSeconds is the per-attempt request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}
