// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mindloop/core/orchestrator/llm"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloop_orchestrator_requests_total",
			Help: "Total number of requests processed by the orchestrator",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mindloop_orchestrator_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"capability"},
	)
	promCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloop_orchestrator_cache_lookups_total",
			Help: "Semantic cache lookups by result",
		},
		[]string{"result"},
	)
	promLLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindloop_orchestrator_llm_calls_total",
			Help: "Total number of LLM provider attempts",
		},
		[]string{"provider", "status"},
	)
	promCostCents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloop_orchestrator_cost_cents_total",
			Help: "Accumulated LLM spend in cents",
		},
	)
	promRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindloop_orchestrator_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promCacheLookups)
	prometheus.MustRegister(promLLMCalls)
	prometheus.MustRegister(promCostCents)
	prometheus.MustRegister(promRateLimited)
}

// routerObserver feeds per-attempt router records into Prometheus so
// usage and latency are counted even for failed attempts.
type routerObserver struct{}

// ObserveAttempt implements llm.AttemptObserver.
func (routerObserver) ObserveAttempt(attempt llm.Attempt) {
	status := "success"
	if attempt.Err != nil {
		status = "failure"
	}
	promLLMCalls.WithLabelValues(attempt.Provider, status).Inc()
}

// MetricsCollector keeps the JSON metrics snapshot served by /metrics.
type MetricsCollector struct {
	mu        sync.RWMutex
	startTime time.Time

	totalRequests  int64
	failedRequests int64

	perCapability map[string]*capabilityMetrics
}

type capabilityMetrics struct {
	Requests       int64   `json:"requests"`
	Failures       int64   `json:"failures"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	totalLatencyMs int64
}

// MetricsSnapshot is the JSON shape of /metrics.
type MetricsSnapshot struct {
	UptimeSeconds  int64                         `json:"uptime_seconds"`
	TotalRequests  int64                         `json:"total_requests"`
	FailedRequests int64                         `json:"failed_requests"`
	SuccessRate    float64                       `json:"success_rate"`
	PerCapability  map[string]*capabilityMetrics `json:"per_capability"`
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:     time.Now(),
		perCapability: make(map[string]*capabilityMetrics),
	}
}

// RecordSuccess counts a served request.
func (m *MetricsCollector) RecordSuccess(capability string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	cm := m.capabilityLocked(capability)
	cm.Requests++
	cm.totalLatencyMs += elapsed.Milliseconds()
	cm.AvgLatencyMs = float64(cm.totalLatencyMs) / float64(cm.Requests)
}

// RecordFailure counts a failed request.
func (m *MetricsCollector) RecordFailure(capability string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.failedRequests++
	cm := m.capabilityLocked(capability)
	cm.Requests++
	cm.Failures++
}

func (m *MetricsCollector) capabilityLocked(capability string) *capabilityMetrics {
	cm, ok := m.perCapability[capability]
	if !ok {
		cm = &capabilityMetrics{}
		m.perCapability[capability] = cm
	}
	return cm
}

// Snapshot returns a copy of the current counters.
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	per := make(map[string]*capabilityMetrics, len(m.perCapability))
	for k, v := range m.perCapability {
		copied := *v
		per[k] = &copied
	}
	successRate := 1.0
	if m.totalRequests > 0 {
		successRate = float64(m.totalRequests-m.failedRequests) / float64(m.totalRequests)
	}
	return MetricsSnapshot{
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		TotalRequests:  m.totalRequests,
		FailedRequests: m.failedRequests,
		SuccessRate:    successRate,
		PerCapability:  per,
	}
}
