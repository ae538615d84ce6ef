// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mindloop/core/orchestrator/cost"
	"mindloop/core/orchestrator/experiment"
	"mindloop/core/orchestrator/llm"
	"mindloop/core/shared/types"
)

// server holds the HTTP handlers over the orchestrator.
type server struct {
	orch *Orchestrator
}

func newServer(orch *Orchestrator) *server {
	return &server{orch: orch}
}

// invokeTimeout bounds one end-to-end request including retries and
// failover inside the router.
const invokeTimeout = 2 * time.Minute

func (s *server) invokeHandler(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.User.UserID == "" {
		req.User.UserID = req.UserID
	}

	ctx, cancel := context.WithTimeout(r.Context(), invokeTimeout)
	defer cancel()

	resp, err := s.orch.Invoke(ctx, &req)
	if err != nil {
		s.writeInvokeError(w, &req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeInvokeError maps orchestrator errors to HTTP. Provider exhaustion
// degrades to the generic fallback response with 200 so clients always
// have something well-formed to show.
func (s *server) writeInvokeError(w http.ResponseWriter, req *types.Request, err error) {
	var (
		rateLimited    *RateLimitedError
		budgetExceeded *BudgetExceededError
		invalid        *InvalidRequestError
		providerFailed *ProviderFailedError
	)
	switch {
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(rateLimited.ResetAt).Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":    err.Error(),
			"reset_at": rateLimited.ResetAt.UTC().Format(time.RFC3339),
		})
	case errors.As(err, &budgetExceeded):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &providerFailed):
		writeJSON(w, http.StatusOK, FallbackResponse(req))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	registry := s.orch.Router().Registry()
	healthy := 0
	names := registry.ListEnabled()
	for _, name := range names {
		if registry.IsHealthy(name) {
			healthy++
		}
	}
	status := "healthy"
	code := http.StatusOK
	if len(names) > 0 && healthy == 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"providers_total":   len(names),
		"providers_healthy": healthy,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orchestrator": s.orch.Metrics().Snapshot(),
		"cache":        s.orch.CacheStats(),
	})
}

func (s *server) providerStatusHandler(w http.ResponseWriter, _ *http.Request) {
	registry := s.orch.Router().Registry()
	providers := make([]map[string]interface{}, 0)
	for _, name := range registry.List() {
		config, err := registry.GetConfig(name)
		if err != nil {
			continue
		}
		entry := map[string]interface{}{
			"name":    name,
			"type":    config.Type,
			"model":   config.Model,
			"enabled": config.Enabled,
			"healthy": registry.IsHealthy(name),
		}
		if result := registry.GetHealthResult(name); result != nil {
			entry["last_check"] = result
		}
		providers = append(providers, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}

func (s *server) costSummaryHandler(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = cost.GlobalScope
	}
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window: "+err.Error())
			return
		}
		window = parsed
	}

	summary, err := s.orch.CostService().Metrics(r.Context(), scope, window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result := map[string]interface{}{"summary": summary}
	if status, err := s.orch.CostService().Status(r.Context(), scope); err == nil {
		result["budget"] = status
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) recommendationsHandler(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = cost.GlobalScope
	}
	recs, err := s.orch.CostService().Recommendations(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":           scope,
		"recommendations": recs,
	})
}

func (s *server) listExperimentsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": s.orch.Engine().ListExperiments(),
	})
}

func (s *server) updateExperimentHandler(w http.ResponseWriter, r *http.Request) {
	var exp experiment.Experiment
	if err := json.NewDecoder(r.Body).Decode(&exp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid experiment: "+err.Error())
		return
	}
	if err := s.orch.Engine().UpsertExperiment(exp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "experiment_id": exp.ID})
}

func (s *server) experimentResultsHandler(w http.ResponseWriter, r *http.Request) {
	experimentID := mux.Vars(r)["id"]
	results, err := s.orch.Engine().ComputeResults(experimentID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *server) updateFlagHandler(w http.ResponseWriter, r *http.Request) {
	var flag experiment.FeatureFlag
	if err := json.NewDecoder(r.Body).Decode(&flag); err != nil {
		writeError(w, http.StatusBadRequest, "invalid flag: "+err.Error())
		return
	}
	if err := s.orch.Engine().UpsertFlag(flag); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "flag_id": flag.ID})
}

func (s *server) setBudgetHandler(w http.ResponseWriter, r *http.Request) {
	var budget cost.Budget
	if err := json.NewDecoder(r.Body).Decode(&budget); err != nil {
		writeError(w, http.StatusBadRequest, "invalid budget: "+err.Error())
		return
	}
	if err := s.orch.CostService().SetBudget(budget); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scope": budget.Scope})
}

func (s *server) updateRouteHandler(w http.ResponseWriter, r *http.Request) {
	var route llm.CapabilityRoute
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, http.StatusBadRequest, "invalid route: "+err.Error())
		return
	}
	if err := s.orch.Router().Routes().Set(route); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "capability": route.Capability})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
