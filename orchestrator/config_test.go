// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
providers:
  - name: anthropic-prod
    type: anthropic
    model: claude-3-5-sonnet-20241022
    enabled: true
routes:
  - capability: coaching-insight
    provider: anthropic-prod
    prompt_template: "Coach: {{input}}"
cache:
  threshold: 0.9
  ttl: 30m
rate_limit:
  limit: 10
  window: 1m
cost:
  budgets:
    - scope: global
      daily_limit_cents: 50000
      hard_block: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "anthropic-prod", cfg.Providers[0].Name)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, 0.9, cfg.Cache.Threshold)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	require.Len(t, cfg.Cost.Budgets, 1)
	assert.Equal(t, float64(50000), cfg.Cost.Budgets[0].DailyLimitCents)

	// Unset fields fall back to defaults.
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, 50, cfg.Events.BatchSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://override:6379")
	t.Setenv("DATABASE_URL", "postgres://override/db")

	path := writeConfigFile(t, `
redis_url: redis://file:6379
database_url: postgres://file/db
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://override:6379", cfg.RedisURL)
	assert.Equal(t, "postgres://override/db", cfg.DatabaseURL)
}

func TestConfigValidate(t *testing.T) {
	t.Run("route names unknown provider", func(t *testing.T) {
		path := writeConfigFile(t, `
providers:
  - name: anthropic-prod
    type: anthropic
routes:
  - capability: coaching-insight
    provider: missing
    prompt_template: "{{input}}"
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")
	})

	t.Run("duplicate provider", func(t *testing.T) {
		path := writeConfigFile(t, `
providers:
  - name: p
    type: anthropic
  - name: p
    type: openai
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate provider")
	})

	t.Run("invalid experiment", func(t *testing.T) {
		path := writeConfigFile(t, `
experiments:
  - id: bad-exp
    capability: coaching-insight
    status: running
    traffic_allocation_percent: 100
    variants:
      - id: a
        name: A
        allocation_percent: 60
      - id: b
        name: B
        allocation_percent: 60
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad-exp")
	})

	t.Run("budget without limit", func(t *testing.T) {
		path := writeConfigFile(t, `
cost:
  budgets:
    - scope: global
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.85, cfg.Cache.Threshold)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 60, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.NoError(t, cfg.Validate())
}
