// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the MindLoop inference core.
//
// The inference core sits between the coaching product and the LLM
// providers. For every capability request it:
// - Enforces per-user rate limits and spend budgets
// - Assigns experiment variants with sticky, deterministic bucketing
// - Serves semantically similar responses from cache
// - Routes to the configured provider with retry and failover
// - Records token usage and cost for every request
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CONFIG_PATH - YAML configuration file (default: config.yaml)
//	REDIS_URL - Redis connection string (optional, enables shared state)
//	DATABASE_URL - PostgreSQL connection string (optional, persists usage)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	MINDLOOP_PRICING_CONFIG - pricing overrides file (optional)
package main

import (
	"mindloop/core/orchestrator"
)

func main() {
	orchestrator.Run()
}
