// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"time"
)

// RateLimitedError tells the caller when to retry.
type RateLimitedError struct {
	Scope   string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for scope %s until %s", e.Scope, e.ResetAt.Format(time.RFC3339))
}

// BudgetExceededError is returned only when the scope's budget is in
// hard-block mode; budgets are advisory by default.
type BudgetExceededError struct {
	Scope string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily budget exhausted for scope %s", e.Scope)
}

// InvalidRequestError covers malformed requests and unknown capabilities.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// ProviderFailedError wraps retry/fallback exhaustion from the router.
// Callers should degrade to FallbackResponse rather than surface this to
// an end user.
type ProviderFailedError struct {
	Capability string
	Cause      error
}

func (e *ProviderFailedError) Error() string {
	return fmt.Sprintf("all providers failed for capability %s: %v", e.Capability, e.Cause)
}

func (e *ProviderFailedError) Unwrap() error { return e.Cause }
