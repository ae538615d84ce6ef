// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package orchestrator is the façade over the inference core: every
// capability request flows through the rate limiter, the experiment
// engine, the semantic cache, the provider router, and the cost ledger,
// in that order.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mindloop/core/orchestrator/cache"
	"mindloop/core/orchestrator/cost"
	"mindloop/core/orchestrator/events"
	"mindloop/core/orchestrator/experiment"
	"mindloop/core/orchestrator/llm"
	"mindloop/core/orchestrator/ratelimit"
	"mindloop/core/shared/logger"
	"mindloop/core/shared/types"
)

// Request lifecycle states. Terminal states are stateResponded and
// stateFailed; a failed request always carries a typed error.
type requestState string

const (
	stateReceived        requestState = "RECEIVED"
	stateRateChecked     requestState = "RATE_CHECKED"
	stateVariantAssigned requestState = "VARIANT_ASSIGNED"
	stateCacheChecked    requestState = "CACHE_CHECKED"
	stateProviderCalled  requestState = "PROVIDER_CALLED"
	stateCostRecorded    requestState = "COST_RECORDED"
	stateCacheWritten    requestState = "CACHE_WRITTEN"
	stateResponded       requestState = "RESPONDED"
	stateFailed          requestState = "FAILED"
)

// Orchestrator wires the inference core together.
type Orchestrator struct {
	router  *llm.Router
	cache   *cache.SemanticCache
	cost    *cost.Service
	engine  *experiment.Engine
	limiter ratelimit.Limiter
	emitter *events.BatchingEmitter
	log     *logger.Logger
	metrics *MetricsCollector
}

// New assembles an orchestrator from its components.
func New(router *llm.Router, sc *cache.SemanticCache, costSvc *cost.Service,
	engine *experiment.Engine, limiter ratelimit.Limiter,
	emitter *events.BatchingEmitter, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.New("orchestrator")
	}
	return &Orchestrator{
		router:  router,
		cache:   sc,
		cost:    costSvc,
		engine:  engine,
		limiter: limiter,
		emitter: emitter,
		log:     log,
		metrics: NewMetricsCollector(),
	}
}

// Metrics returns the JSON metrics collector.
func (o *Orchestrator) Metrics() *MetricsCollector { return o.metrics }

// CostService exposes the cost service for the admin endpoints.
func (o *Orchestrator) CostService() *cost.Service { return o.cost }

// Engine exposes the experiment engine for the admin endpoints.
func (o *Orchestrator) Engine() *experiment.Engine { return o.engine }

// Router exposes the provider router for status endpoints.
func (o *Orchestrator) Router() *llm.Router { return o.router }

// CacheStats returns cache hit/miss counters.
func (o *Orchestrator) CacheStats() cache.Stats { return o.cache.Stats() }

// Invoke serves one capability request. Cost and experiment bookkeeping
// happen exactly once per request, on the cache-hit path included: a hit
// still records a zero-incremental-cost ledger entry and an exposure
// event.
func (o *Orchestrator) Invoke(ctx context.Context, req *types.Request) (*types.Response, error) {
	start := time.Now()
	state := stateReceived

	if err := validateRequest(req); err != nil {
		return nil, o.fail(req, state, err)
	}
	scope := req.ScopeKey()
	capability := string(req.Capability)

	// Rate check.
	decision, err := o.limiter.CheckAndConsume(ctx, scope, capability)
	if err == nil && !decision.Allowed {
		promRateLimited.Inc()
		return nil, o.fail(req, state, &RateLimitedError{Scope: scope, ResetAt: decision.ResetAt})
	}
	state = stateRateChecked

	// Budgets are advisory unless the scope opted into hard blocking.
	if o.cost.Blocked(ctx, scope) {
		return nil, o.fail(req, state, &BudgetExceededError{Scope: scope})
	}

	// Experiment assignment.
	var (
		experimentID string
		variantID    string
		variantCfg   *llm.VariantConfig
	)
	if exp := o.engine.RunningForCapability(capability); exp != nil {
		assignment, err := o.engine.Assign(ctx, exp.ID, req.User)
		if err != nil {
			o.log.Warn(req.UserID, req.ID, "assignment failed, serving default", map[string]interface{}{
				"experiment_id": exp.ID,
				"error":         err.Error(),
			})
		} else if assignment != nil {
			experimentID = assignment.ExperimentID
			variantID = assignment.VariantID
			if v, err := o.engine.Variant(experimentID, variantID); err == nil {
				variantCfg = v.Config
			}
			// Exposure is recorded here, once, whatever happens later.
			o.engine.RecordEvent(events.TypeExposure, experimentID, variantID, req.User, req.ID, nil)
		}
	}
	state = stateVariantAssigned

	// Cache lookup.
	promptText := canonicalInput(req)
	cacheScope := scope
	if payload, similarity, found := o.cache.Lookup(ctx, capability, cacheScope, promptText); found {
		state = stateCacheChecked
		if resp, ok := o.decodeCached(payload); ok {
			promCacheLookups.WithLabelValues("hit").Inc()
			resp.ID = uuid.New().String()
			resp.RequestID = req.ID
			resp.CacheHit = true
			resp.CostCents = 0
			resp.ExperimentID = experimentID
			resp.VariantID = variantID
			resp.ProcessingTimeMs = time.Since(start).Milliseconds()

			o.recordUsage(ctx, req, resp, true)
			if o.emitter != nil {
				o.emitter.Emit(events.TypeCacheHit, req.UserID, req.ID, map[string]interface{}{
					"capability": capability,
					"similarity": similarity,
				})
			}
			o.respond(req, start, "cache_hit")
			return resp, nil
		}
		// Corrupt payload: drop through to the provider as a miss.
	}
	promCacheLookups.WithLabelValues("miss").Inc()
	state = stateCacheChecked

	// Provider call. Request-level token and temperature preferences
	// overlay the variant config.
	completion, routeInfo, err := o.router.Execute(ctx, capability, promptInputs(req), requestVariant(req, variantCfg))
	if err != nil {
		return nil, o.fail(req, state, &ProviderFailedError{Capability: capability, Cause: err})
	}
	state = stateProviderCalled

	costCents := o.cost.Pricing().CalculateCostCents(
		routeInfo.Provider, routeInfo.Model,
		completion.Usage.InputTokens, completion.Usage.OutputTokens)

	resp := &types.Response{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Content:   completion.Content,
		Usage: types.TokenUsage{
			InputTokens:  completion.Usage.InputTokens,
			OutputTokens: completion.Usage.OutputTokens,
			TotalTokens:  completion.Usage.TotalTokens,
		},
		CostCents:        costCents,
		Provider:         routeInfo.Provider,
		Model:            routeInfo.Model,
		CacheHit:         false,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ExperimentID:     experimentID,
		VariantID:        variantID,
		Fallback:         routeInfo.FailedOver,
	}

	o.recordUsage(ctx, req, resp, false)
	state = stateCostRecorded

	if payload, err := json.Marshal(resp); err == nil {
		if err := o.cache.Put(ctx, capability, cacheScope, promptText, payload); err != nil {
			o.log.Warn(req.UserID, req.ID, "cache write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	state = stateCacheWritten
	_ = state

	o.respond(req, start, "success")
	return resp, nil
}

// FallbackResponse is the safe, non-personalized degradation served when
// providers are exhausted. Well-formed, never partial.
func FallbackResponse(req *types.Request) *types.Response {
	return &types.Response{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Content:   "We couldn't generate a personalized response right now. Please try again in a few minutes.",
		Fallback:  true,
	}
}

// recordUsage writes the single ledger entry for this request. Cache hits
// record zero incremental cost so spend reports still see the traffic.
func (o *Orchestrator) recordUsage(ctx context.Context, req *types.Request, resp *types.Response, cacheHit bool) {
	record := &cost.UsageRecord{
		RequestID:  req.ID,
		UserID:     req.UserID,
		Scope:      req.ScopeKey(),
		Capability: string(req.Capability),
		Provider:   resp.Provider,
		Model:      resp.Model,
		TokensIn:   resp.Usage.InputTokens,
		TokensOut:  resp.Usage.OutputTokens,
		CostCents:  resp.CostCents,
		CacheHit:   cacheHit,
	}
	if err := o.cost.RecordUsage(ctx, record); err != nil {
		o.log.ErrorWithErr(req.UserID, req.ID, "usage recording failed", err, nil)
	}
	promCostCents.Add(resp.CostCents)
}

func (o *Orchestrator) respond(req *types.Request, start time.Time, status string) {
	elapsed := time.Since(start)
	capability := string(req.Capability)
	promRequestsTotal.WithLabelValues("success").Inc()
	promRequestDuration.WithLabelValues(capability).Observe(float64(elapsed.Milliseconds()))
	o.metrics.RecordSuccess(capability, elapsed)
	o.log.InfoWithDuration(req.UserID, req.ID, "request served", float64(elapsed.Milliseconds()), map[string]interface{}{
		"capability": req.Capability,
		"status":     status,
	})
}

// fail finalizes the FAILED terminal state with a typed error. Every
// failure lands in both the Prometheus counters and the JSON snapshot so
// the two never disagree on totals.
func (o *Orchestrator) fail(req *types.Request, lastState requestState, err error) error {
	promRequestsTotal.WithLabelValues("failed").Inc()
	userID, requestID, capability := "", "", ""
	if req != nil {
		userID, requestID, capability = req.UserID, req.ID, string(req.Capability)
	}
	o.metrics.RecordFailure(capability)
	o.log.ErrorWithErr(userID, requestID, "request failed", err, map[string]interface{}{
		"capability": capability,
		"last_state": string(lastState),
	})
	return err
}

// decodeCached unmarshals a cached response. Corruption is a miss, never
// an error to the caller.
func (o *Orchestrator) decodeCached(payload []byte) (*types.Response, bool) {
	var resp types.Response
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Content == "" {
		return nil, false
	}
	return &resp, true
}

func validateRequest(req *types.Request) error {
	if req == nil {
		return &InvalidRequestError{Reason: "nil request"}
	}
	if req.Capability == "" {
		return &InvalidRequestError{Reason: "missing capability"}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	return nil
}

// promptInputs builds the template substitution map: the request input
// under "input" plus every context entry.
func promptInputs(req *types.Request) map[string]string {
	inputs := make(map[string]string, len(req.Context)+1)
	for k, v := range req.Context {
		inputs[k] = v
	}
	inputs["input"] = req.Input
	return inputs
}

// requestVariant overlays request-level preferences onto the experiment
// variant config. The experiment's choices win; the request only fills
// what the variant leaves unset.
func requestVariant(req *types.Request, variant *llm.VariantConfig) *llm.VariantConfig {
	if req.MaxTokens <= 0 && req.Temperature == nil {
		return variant
	}
	merged := llm.VariantConfig{}
	if variant != nil {
		merged = *variant
	}
	if merged.MaxTokens == 0 && req.MaxTokens > 0 {
		merged.MaxTokens = req.MaxTokens
	}
	if merged.Temperature == nil && req.Temperature != nil {
		merged.Temperature = req.Temperature
	}
	return &merged
}

// canonicalInput flattens the request input and context into a stable
// text for cache fingerprinting. Context keys are sorted so map
// iteration order can't split identical requests across fingerprints.
func canonicalInput(req *types.Request) string {
	if len(req.Context) == 0 {
		return req.Input
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(req.Input)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(req.Context[k])
	}
	return strings.TrimSpace(b.String())
}

// IsRetryableFailure reports whether the error is a provider failure the
// caller may retry later, as opposed to a rejection (rate limit, budget,
// invalid request).
func IsRetryableFailure(err error) bool {
	var pf *ProviderFailedError
	return errors.As(err, &pf)
}
