// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mindloop/core/orchestrator/experiment"
	"mindloop/core/orchestrator/llm"
)

// Config is the service configuration, loaded from YAML at startup.
// Experiments, flags, budgets, and routes can be changed later through
// the admin endpoints.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	// Providers lists the LLM backends to register. Keys come from the
	// environment, not the file.
	Providers []llm.ProviderConfig `yaml:"providers"`

	// Routes maps capabilities to providers and prompt templates.
	Routes []llm.CapabilityRoute `yaml:"routes"`

	Router struct {
		MaxRetries     int           `yaml:"max_retries"`
		BaseBackoff    time.Duration `yaml:"base_backoff"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		MaxConcurrent  int           `yaml:"max_concurrent"`
	} `yaml:"router"`

	Cache struct {
		Threshold  float64       `yaml:"threshold"`
		TTL        time.Duration `yaml:"ttl"`
		MaxEntries int           `yaml:"max_entries"`
	} `yaml:"cache"`

	RateLimit struct {
		Limit  int           `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	Cost struct {
		PricingFile string `yaml:"pricing_file"`
		Budgets     []struct {
			Scope           string  `yaml:"scope"`
			DailyLimitCents float64 `yaml:"daily_limit_cents"`
			HardBlock       bool    `yaml:"hard_block"`
		} `yaml:"budgets"`
	} `yaml:"cost"`

	Events struct {
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"events"`

	// RedisURL switches the cache store, rate limiter, and assignment
	// store to Redis when set. Empty keeps everything in process.
	RedisURL string `yaml:"redis_url"`

	// DatabaseURL switches the cost ledger to Postgres when set.
	DatabaseURL string `yaml:"database_url"`

	Experiments []experiment.Experiment  `yaml:"experiments"`
	Flags       []experiment.FeatureFlag `yaml:"flags"`
}

// DefaultConfig returns a runnable configuration with no providers.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Cache.Threshold == 0 {
		c.Cache.Threshold = 0.85
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 60
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = 50
	}
	if c.Events.FlushInterval == 0 {
		c.Events.FlushInterval = 5 * time.Second
	}
}

// LoadConfig reads and validates a YAML config file. Environment
// variables REDIS_URL and DATABASE_URL override the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misroute or misassign at
// request time.
func (c *Config) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if providers[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
	}

	for _, route := range c.Routes {
		if err := route.Validate(); err != nil {
			return err
		}
		if len(providers) > 0 && !providers[route.Provider] {
			return fmt.Errorf("route %q names unknown provider %q", route.Capability, route.Provider)
		}
		if route.FallbackProvider != "" && len(providers) > 0 && !providers[route.FallbackProvider] {
			return fmt.Errorf("route %q names unknown fallback provider %q", route.Capability, route.FallbackProvider)
		}
	}

	for i := range c.Experiments {
		if violations := c.Experiments[i].Validate(); len(violations) > 0 {
			return fmt.Errorf("experiment %q: %v", c.Experiments[i].ID, violations)
		}
	}
	for i := range c.Flags {
		if violations := c.Flags[i].Validate(); len(violations) > 0 {
			return fmt.Errorf("flag %q: %v", c.Flags[i].ID, violations)
		}
	}
	for _, b := range c.Cost.Budgets {
		if b.Scope == "" || b.DailyLimitCents <= 0 {
			return fmt.Errorf("budget for scope %q must have a positive daily limit", b.Scope)
		}
	}
	return nil
}
