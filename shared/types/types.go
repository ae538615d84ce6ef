// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package types

import (
	"time"

	"github.com/google/uuid"
)

// Capability names a unit of AI-assisted work routed by the inference core.
// Capabilities are configuration, not code: the orchestrator resolves each
// one to a concrete provider/model/prompt-template route at request time.
type Capability string

// Capabilities shipped with the default configuration.
const (
	CapabilityAssessmentScoring Capability = "assessment-scoring"
	CapabilityLearningPath      Capability = "learning-path"
	CapabilityCoachingInsight   Capability = "coaching-insight"
	CapabilityReflectionSummary Capability = "reflection-summary"
	CapabilityConversationCoach Capability = "conversation-coach"
)

// Priority indicates how a request should be treated under contention.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// UserContext is the opaque caller identity supplied by the application.
// The core only uses it as targeting and hash input; it never interprets
// the values beyond equality checks.
type UserContext struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	UserType   string `json:"user_type,omitempty"`
}

// Request is a single inference request. Immutable once created.
type Request struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Capability  Capability        `json:"capability"`
	Input       string            `json:"input"`
	Priority    Priority          `json:"priority,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	User        UserContext       `json:"user_context"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewRequest creates a request with a generated id and timestamp.
func NewRequest(userID string, capability Capability, input string) *Request {
	return &Request{
		ID:         uuid.NewString(),
		UserID:     userID,
		Capability: capability,
		Input:      input,
		Priority:   PriorityNormal,
		User:       UserContext{UserID: userID},
		CreatedAt:  time.Now().UTC(),
	}
}

// TokenUsage tracks token consumption for billing and monitoring.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the normalized result returned to callers. It is owned by the
// orchestrator for the duration of the call and never persisted by the core.
type Response struct {
	ID               string     `json:"id"`
	RequestID        string     `json:"request_id"`
	Content          string     `json:"content"`
	Usage            TokenUsage `json:"usage"`
	CostCents        float64    `json:"cost_cents"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	CacheHit         bool       `json:"cache_hit"`
	Confidence       float64    `json:"confidence,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	ExperimentID     string     `json:"experiment_id,omitempty"`
	VariantID        string     `json:"variant_id,omitempty"`
	Fallback         bool       `json:"fallback,omitempty"`
}

// ScopeKey builds the accounting scope for a request. Per-user scopes keep
// rate limits and budgets independent across users.
func (r *Request) ScopeKey() string {
	if r.UserID != "" {
		return "user:" + r.UserID
	}
	return "global"
}
