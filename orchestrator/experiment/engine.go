// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"mindloop/core/shared/logger"
	"mindloop/core/shared/types"
)

// EventPublisher receives exposure and conversion events. Satisfied by
// the events.BatchingEmitter.
type EventPublisher interface {
	Emit(eventType, userID, requestID string, payload map[string]interface{})
}

// Engine holds experiment and flag definitions and performs assignment.
// Definitions are loaded at startup and replaced through admin updates;
// assignment itself is lock-free over the hash.
type Engine struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	flags       map[string]*FeatureFlag

	tmu     sync.Mutex
	tallies map[string]map[string]*tally

	store  AssignmentStore
	events EventPublisher
	log    *logger.Logger
}

// NewEngine creates an engine over the given assignment store.
func NewEngine(store AssignmentStore, events EventPublisher, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.New("experiment-engine")
	}
	return &Engine{
		experiments: make(map[string]*Experiment),
		flags:       make(map[string]*FeatureFlag),
		tallies:     make(map[string]map[string]*tally),
		store:       store,
		events:      events,
		log:         log,
	}
}

// UpsertExperiment validates and installs an experiment definition.
// Existing sticky assignments for the experiment are untouched, so a
// mid-flight allocation edit never reassigns already-bucketed users.
func (e *Engine) UpsertExperiment(exp Experiment) error {
	if violations := exp.Validate(); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(msgs, "; "))
	}
	if exp.Salt == "" {
		exp.Salt = exp.ID
	}
	if exp.Status == "" {
		exp.Status = StatusDraft
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = 0.95
	}
	exp.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments[exp.ID] = &exp
	return nil
}

// GetExperiment returns an experiment definition.
func (e *Engine) GetExperiment(id string) (*Experiment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exp, ok := e.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	copied := *exp
	return &copied, nil
}

// ListExperiments returns all definitions.
func (e *Engine) ListExperiments() []Experiment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Experiment, 0, len(e.experiments))
	for _, exp := range e.experiments {
		out = append(out, *exp)
	}
	return out
}

// RunningForCapability returns the running experiment serving a
// capability, or nil. At most one experiment should run per capability;
// when several do, the lexically smallest id wins so every instance
// agrees.
func (e *Engine) RunningForCapability(capability string) *Experiment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var chosen *Experiment
	for _, exp := range e.experiments {
		if exp.Status != StatusRunning || exp.Capability != capability {
			continue
		}
		if chosen == nil || exp.ID < chosen.ID {
			chosen = exp
		}
	}
	if chosen == nil {
		return nil
	}
	copied := *chosen
	return &copied
}

// UpsertFlag validates and installs a feature flag.
func (e *Engine) UpsertFlag(flag FeatureFlag) error {
	if violations := flag.Validate(); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(msgs, "; "))
	}
	if flag.Salt == "" {
		flag.Salt = flag.ID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags[flag.ID] = &flag
	return nil
}

// GetFlag returns a flag definition.
func (e *Engine) GetFlag(id string) (*FeatureFlag, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	flag, ok := e.flags[id]
	if !ok {
		return nil, fmt.Errorf("flag %q: %w", id, ErrNotFound)
	}
	copied := *flag
	return &copied, nil
}

// Assign deterministically maps a user to a variant. Returns nil (no
// error) when the user is outside the experiment: not running, audience
// mismatch, or excluded by traffic allocation. An existing sticky
// assignment is always honored, even if allocations have since changed.
func (e *Engine) Assign(ctx context.Context, experimentID string, user types.UserContext) (*Assignment, error) {
	exp, err := e.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != StatusRunning {
		return nil, nil
	}
	if !matchRules(exp.AudienceRules, user) {
		return nil, nil
	}

	if existing, err := e.store.Get(ctx, experimentID, user.UserID); err != nil {
		e.log.Warn(user.UserID, "", "assignment store read failed, recomputing", map[string]interface{}{
			"experiment_id": experimentID,
			"error":         err.Error(),
		})
	} else if existing != nil && existing.Sticky {
		return existing, nil
	}

	bucket := bucketFor(user.UserID, experimentID, exp.Salt)
	if float64(bucket) >= exp.TrafficAllocationPercent {
		return nil, nil
	}

	variantID := ""
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.AllocationPercent
		if float64(bucket) < cumulative {
			variantID = v.ID
			break
		}
	}
	if variantID == "" {
		// Allocations sum to 100 so this only happens on float edge
		// cases; land in the last variant.
		variantID = exp.Variants[len(exp.Variants)-1].ID
	}

	assignment := &Assignment{
		UserID:       user.UserID,
		ExperimentID: experimentID,
		VariantID:    variantID,
		Bucket:       bucket,
		Sticky:       true,
		AssignedAt:   time.Now().UTC(),
	}
	if err := e.store.Put(ctx, assignment); err != nil {
		e.log.Warn(user.UserID, "", "assignment store write failed", map[string]interface{}{
			"experiment_id": experimentID,
			"error":         err.Error(),
		})
	}
	return assignment, nil
}

// Variant returns the named variant of an experiment.
func (e *Engine) Variant(experimentID, variantID string) (*Variant, error) {
	exp, err := e.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	for i := range exp.Variants {
		if exp.Variants[i].ID == variantID {
			return &exp.Variants[i], nil
		}
	}
	return nil, fmt.Errorf("variant %q: %w", variantID, ErrNotFound)
}

// IsFeatureEnabled evaluates a flag statelessly: master switch, targeting
// rules, then percentage rollout by stable hash. Unknown flags are off.
func (e *Engine) IsFeatureEnabled(flagID string, user types.UserContext) bool {
	flag, err := e.GetFlag(flagID)
	if err != nil {
		return false
	}
	if !flag.Enabled {
		return false
	}
	if !matchRules(flag.TargetingRules, user) {
		return false
	}
	return float64(bucketFor(user.UserID, flagID, flag.Salt)) < flag.RolloutPercent
}

// RecordEvent publishes an experiment event (exposure, conversion) to the
// analytics stream and folds it into the in-memory result counts. Fire
// and forget.
func (e *Engine) RecordEvent(eventType, experimentID, variantID string, user types.UserContext, requestID string, payload map[string]interface{}) {
	e.recordTally(eventType, experimentID, variantID)
	if e.events == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["experiment_id"] = experimentID
	payload["variant_id"] = variantID
	e.events.Emit(eventType, user.UserID, requestID, payload)
}

// EndExperiment marks an experiment completed and drops its sticky
// assignments.
func (e *Engine) EndExperiment(ctx context.Context, experimentID string) error {
	e.mu.Lock()
	exp, ok := e.experiments[experimentID]
	if ok {
		exp.Status = StatusCompleted
		exp.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("experiment %q: %w", experimentID, ErrNotFound)
	}
	return e.store.DeleteExperiment(ctx, experimentID)
}

// bucketFor maps (user, experiment, salt) to a stable bucket in [0, 100).
func bucketFor(userID, id, salt string) uint64 {
	return xxhash.Sum64String(userID+":"+id+salt) % 100
}

// matchRules reports whether the user context satisfies every rule.
// No rules means everyone matches.
func matchRules(rules []AudienceRule, user types.UserContext) bool {
	for _, rule := range rules {
		var value string
		switch rule.Attribute {
		case "user_type":
			value = user.UserType
		case "device_type":
			value = user.DeviceType
		default:
			return false
		}
		matched := false
		for _, want := range rule.Values {
			if strings.EqualFold(value, want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
