// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package cost provides usage accounting, budget ceilings, and cost
// optimization hints for LLM traffic. All amounts are US cents.
package cost

import (
	"errors"
	"time"
)

var (
	// ErrInvalidInput indicates a nil or malformed record/budget.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoBudget indicates no budget is configured for the scope.
	ErrNoBudget = errors.New("no budget configured for scope")
)

// GlobalScope aggregates across every scope. A record charged to a user
// scope still counts toward the global budget.
const GlobalScope = "global"

// DefaultAlertThresholds are the budget percentages that trigger alerts.
var DefaultAlertThresholds = []int{80, 100}

// UsageRecord is one LLM call's accounting entry.
type UsageRecord struct {
	ID         int64     `json:"id,omitempty"`
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id,omitempty"`
	Scope      string    `json:"scope"`
	Capability string    `json:"capability"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CostCents  float64   `json:"cost_cents"`
	CacheHit   bool      `json:"cache_hit"`
	Timestamp  time.Time `json:"timestamp"`
}

// TotalTokens returns input plus output tokens.
func (r *UsageRecord) TotalTokens() int {
	return r.TokensIn + r.TokensOut
}

// Budget is a daily spend ceiling for one scope.
type Budget struct {
	Scope           string    `json:"scope"`
	DailyLimitCents float64   `json:"daily_limit_cents"`
	HardBlock       bool      `json:"hard_block"`
	AlertThresholds []int     `json:"alert_thresholds,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks the budget is usable.
func (b *Budget) Validate() error {
	if b.Scope == "" {
		return errors.New("budget has no scope")
	}
	if b.DailyLimitCents <= 0 {
		return errors.New("budget limit must be positive")
	}
	for _, t := range b.AlertThresholds {
		if t <= 0 || t > 100 {
			return errors.New("alert thresholds must be in (0, 100]")
		}
	}
	return nil
}

// BudgetStatus reports current spend against a scope's daily ceiling.
type BudgetStatus struct {
	Scope      string  `json:"scope"`
	UsedCents  float64 `json:"used_cents"`
	LimitCents float64 `json:"limit_cents"`
	Percent    float64 `json:"percent"`
	Exceeded   bool    `json:"exceeded"`
	HardBlock  bool    `json:"hard_block"`
}

// Summary aggregates usage over a window for a scope.
type Summary struct {
	Scope            string             `json:"scope"`
	Window           string             `json:"window"`
	Requests         int                `json:"requests"`
	TotalCostCents   float64            `json:"total_cost_cents"`
	TokensIn         int                `json:"tokens_in"`
	TokensOut        int                `json:"tokens_out"`
	CacheHits        int                `json:"cache_hits"`
	CacheHitRatio    float64            `json:"cache_hit_ratio"`
	CostByProvider   map[string]float64 `json:"cost_by_provider"`
	CostByModel      map[string]float64 `json:"cost_by_model"`
	CostByCapability map[string]float64 `json:"cost_by_capability"`
}

// Recommendation kinds.
const (
	RecommendLighterModel = "switch_to_lighter_model"
	RecommendCacheReuse   = "improve_cache_reuse"
	RecommendTrimPrompts  = "trim_prompt_inputs"
)

// Recommendation is a cost optimization hint derived from the ledger.
type Recommendation struct {
	Type                  string                 `json:"type"`
	Message               string                 `json:"message"`
	EstimatedSavingsCents float64                `json:"estimated_savings_cents"`
	Details               map[string]interface{} `json:"details,omitempty"`
}
