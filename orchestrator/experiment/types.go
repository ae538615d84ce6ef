// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package experiment provides deterministic variant assignment, feature
// flag evaluation, and significance testing for prompt/model experiments.
package experiment

import (
	"errors"
	"fmt"
	"math"
	"time"

	"mindloop/core/orchestrator/llm"
)

var (
	// ErrNotFound indicates an unknown experiment or flag.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfiguration indicates a definition that failed
	// validation. Rejected at admin time, never allowed to reach request
	// time.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Status is the experiment lifecycle state. Only running experiments
// assign users.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// AudienceRule restricts an experiment or flag to users whose context
// attribute matches one of the values.
type AudienceRule struct {
	Attribute string   `json:"attribute" yaml:"attribute"` // "user_type" or "device_type"
	Values    []string `json:"values" yaml:"values"`
}

// Variant is one configured alternative within an experiment.
type Variant struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	AllocationPercent float64            `json:"allocation_percent" yaml:"allocation_percent"`
	IsControl         bool               `json:"is_control" yaml:"is_control"`
	Config            *llm.VariantConfig `json:"config,omitempty" yaml:"config"`
}

// Experiment is an A/B test over capability serving configuration.
type Experiment struct {
	ID                       string         `json:"id" yaml:"id"`
	Name                     string         `json:"name" yaml:"name"`
	Capability               string         `json:"capability" yaml:"capability"`
	Status                   Status         `json:"status" yaml:"status"`
	Salt                     string         `json:"salt,omitempty" yaml:"salt"`
	Variants                 []Variant      `json:"variants" yaml:"variants"`
	TrafficAllocationPercent float64        `json:"traffic_allocation_percent" yaml:"traffic_allocation_percent"`
	AudienceRules            []AudienceRule `json:"audience_rules,omitempty" yaml:"audience_rules"`
	MinSampleSize            int            `json:"min_sample_size,omitempty" yaml:"min_sample_size"`
	ConfidenceLevel          float64        `json:"confidence_level,omitempty" yaml:"confidence_level"`
	UpdatedAt                time.Time      `json:"updated_at,omitempty" yaml:"-"`
}

// allocationTolerance is how far variant allocations may drift from 100%.
const allocationTolerance = 0.01

// Validate returns every violated invariant, not just the first, so an
// admin can fix a definition in one pass.
func (e *Experiment) Validate() []error {
	var violations []error

	if e.ID == "" {
		violations = append(violations, errors.New("experiment has no id"))
	}
	if len(e.Variants) == 0 {
		violations = append(violations, errors.New("experiment has no variants"))
		return violations
	}

	var allocationSum float64
	controls := 0
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.ID == "" {
			violations = append(violations, errors.New("variant has no id"))
		}
		if seen[v.ID] {
			violations = append(violations, fmt.Errorf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
		if v.AllocationPercent < 0 {
			violations = append(violations, fmt.Errorf("variant %q has negative allocation", v.ID))
		}
		allocationSum += v.AllocationPercent
		if v.IsControl {
			controls++
		}
	}

	if math.Abs(allocationSum-100) > allocationTolerance {
		violations = append(violations, fmt.Errorf("variant allocations sum to %.2f%%, want 100%%", allocationSum))
	}
	if controls != 1 {
		violations = append(violations, fmt.Errorf("experiment has %d control variants, want exactly 1", controls))
	}
	if e.TrafficAllocationPercent < 0 || e.TrafficAllocationPercent > 100 {
		violations = append(violations, fmt.Errorf("traffic allocation %.2f%% out of range [0, 100]", e.TrafficAllocationPercent))
	}
	for _, rule := range e.AudienceRules {
		if rule.Attribute != "user_type" && rule.Attribute != "device_type" {
			violations = append(violations, fmt.Errorf("unknown audience attribute %q", rule.Attribute))
		}
	}
	return violations
}

// Assignment binds a user to a variant. While Sticky is set the binding
// is never recomputed for the life of the experiment, even across
// configuration edits.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	Bucket       uint64    `json:"bucket"`
	Sticky       bool      `json:"sticky"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// FeatureFlag is a stateless on/off decision with percentage rollout.
type FeatureFlag struct {
	ID             string         `json:"id" yaml:"id"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	RolloutPercent float64        `json:"rollout_percent" yaml:"rollout_percent"`
	TargetingRules []AudienceRule `json:"targeting_rules,omitempty" yaml:"targeting_rules"`
	Environment    string         `json:"environment,omitempty" yaml:"environment"`
	Salt           string         `json:"salt,omitempty" yaml:"salt"`
}

// Validate returns every violated invariant.
func (f *FeatureFlag) Validate() []error {
	var violations []error
	if f.ID == "" {
		violations = append(violations, errors.New("flag has no id"))
	}
	if f.RolloutPercent < 0 || f.RolloutPercent > 100 {
		violations = append(violations, fmt.Errorf("rollout percent %.2f out of range [0, 100]", f.RolloutPercent))
	}
	for _, rule := range f.TargetingRules {
		if rule.Attribute != "user_type" && rule.Attribute != "device_type" {
			violations = append(violations, fmt.Errorf("unknown targeting attribute %q", rule.Attribute))
		}
	}
	return violations
}
