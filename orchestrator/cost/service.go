// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Alerter delivers budget alerts. Alerts are advisory; delivery failure
// never fails the request that triggered them.
type Alerter interface {
	Alert(ctx context.Context, event AlertEvent) error
}

// AlertEvent describes a crossed budget threshold.
type AlertEvent struct {
	Scope      string    `json:"scope"`
	Threshold  int       `json:"threshold"`
	Percent    float64   `json:"percent"`
	UsedCents  float64   `json:"used_cents"`
	LimitCents float64   `json:"limit_cents"`
	AlertType  string    `json:"alert_type"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogAlerter logs alerts to stdout.
type LogAlerter struct {
	logger *log.Logger
}

// NewLogAlerter creates a log-based alerter.
func NewLogAlerter(logger *log.Logger) *LogAlerter {
	if logger == nil {
		logger = log.Default()
	}
	return &LogAlerter{logger: logger}
}

// Alert logs the alert event.
func (a *LogAlerter) Alert(_ context.Context, event AlertEvent) error {
	a.logger.Printf("[COST ALERT] %s scope=%s %.1f%% (%.2f / %.2f cents)",
		event.AlertType, event.Scope, event.Percent, event.UsedCents, event.LimitCents)
	return nil
}

// EventPublisher is the slice of the events emitter the alerter needs.
type EventPublisher interface {
	Emit(eventType, userID, requestID string, payload map[string]interface{})
}

// EventAlerter publishes alerts to the analytics event stream.
type EventAlerter struct {
	pub EventPublisher
}

// NewEventAlerter creates an event-stream alerter.
func NewEventAlerter(pub EventPublisher) *EventAlerter {
	return &EventAlerter{pub: pub}
}

// Alert emits a budget_alert event.
func (a *EventAlerter) Alert(_ context.Context, event AlertEvent) error {
	a.pub.Emit("budget_alert", "", "", map[string]interface{}{
		"scope":       event.Scope,
		"threshold":   event.Threshold,
		"percent":     event.Percent,
		"used_cents":  event.UsedCents,
		"limit_cents": event.LimitCents,
		"alert_type":  event.AlertType,
		"message":     event.Message,
	})
	return nil
}

// MultiAlerter fans one alert out to several alerters.
type MultiAlerter []Alerter

// Alert delivers to every alerter, returning the first error.
func (m MultiAlerter) Alert(ctx context.Context, event AlertEvent) error {
	var firstErr error
	for _, a := range m {
		if err := a.Alert(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Service tracks usage, enforces budget ceilings, and derives cost
// optimization recommendations from the ledger.
type Service struct {
	repo    Repository
	pricing *PricingConfig
	alerter Alerter
	logger  *log.Logger

	mu      sync.RWMutex
	budgets map[string]Budget

	// alertedThresholds dedupes alerts per scope, day, and threshold.
	alertMu           sync.Mutex
	alertedThresholds map[string]bool
}

// NewService creates a cost service with default alerting.
func NewService(repo Repository, pricing *PricingConfig) *Service {
	return NewServiceWithOptions(repo, pricing, nil, nil)
}

// NewServiceWithOptions creates a cost service with custom alerter and
// logger.
func NewServiceWithOptions(repo Repository, pricing *PricingConfig, alerter Alerter, logger *log.Logger) *Service {
	if pricing == nil {
		pricing = NewPricingConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	return &Service{
		repo:              repo,
		pricing:           pricing,
		alerter:           alerter,
		logger:            logger,
		budgets:           make(map[string]Budget),
		alertedThresholds: make(map[string]bool),
	}
}

// Pricing returns the service's pricing table.
func (s *Service) Pricing() *PricingConfig { return s.pricing }

// SetBudget creates or replaces the budget for a scope.
func (s *Service) SetBudget(budget Budget) error {
	if err := budget.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(budget.AlertThresholds) == 0 {
		budget.AlertThresholds = append([]int(nil), DefaultAlertThresholds...)
	}
	budget.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[budget.Scope] = budget
	return nil
}

// GetBudget returns the budget for a scope.
func (s *Service) GetBudget(scope string) (Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	budget, ok := s.budgets[scope]
	if !ok {
		return Budget{}, ErrNoBudget
	}
	return budget, nil
}

// ListBudgets returns all configured budgets.
func (s *Service) ListBudgets() []Budget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	return out
}

// RecordUsage prices (when unpriced) and persists one usage record, then
// checks the record's scope and the global scope against their budgets.
// Alert failures are logged, never returned.
func (s *Service) RecordUsage(ctx context.Context, record *UsageRecord) error {
	if record == nil {
		return ErrInvalidInput
	}
	if record.CostCents == 0 && !record.CacheHit {
		record.CostCents = s.pricing.CalculateCostCents(
			record.Provider, record.Model, record.TokensIn, record.TokensOut)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.Scope == "" {
		record.Scope = GlobalScope
	}

	if err := s.repo.SaveUsage(ctx, record); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}

	s.checkBudget(ctx, record.Scope)
	if record.Scope != GlobalScope {
		s.checkBudget(ctx, GlobalScope)
	}
	return nil
}

// Status reports spend against the scope's daily budget.
func (s *Service) Status(ctx context.Context, scope string) (*BudgetStatus, error) {
	budget, err := s.GetBudget(scope)
	if err != nil {
		return nil, err
	}

	used, err := s.repo.TotalCostCents(ctx, scope, startOfDay(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	percent := used / budget.DailyLimitCents * 100
	return &BudgetStatus{
		Scope:      scope,
		UsedCents:  used,
		LimitCents: budget.DailyLimitCents,
		Percent:    percent,
		Exceeded:   used >= budget.DailyLimitCents,
		HardBlock:  budget.HardBlock,
	}, nil
}

// Blocked reports whether the scope (or the global scope) has exhausted a
// hard-block budget. Ledger errors fail open.
func (s *Service) Blocked(ctx context.Context, scope string) bool {
	for _, sc := range []string{scope, GlobalScope} {
		status, err := s.Status(ctx, sc)
		if err != nil {
			continue
		}
		if status.HardBlock && status.Exceeded {
			return true
		}
		if sc == GlobalScope {
			break
		}
	}
	return false
}

// checkBudget fires threshold alerts for a scope, at most once per scope,
// threshold, and UTC day.
func (s *Service) checkBudget(ctx context.Context, scope string) {
	budget, err := s.GetBudget(scope)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	used, err := s.repo.TotalCostCents(ctx, scope, startOfDay(now))
	if err != nil {
		s.logger.Printf("[Cost] budget check failed for %s: %v", scope, err)
		return
	}
	percent := used / budget.DailyLimitCents * 100

	for _, threshold := range budget.AlertThresholds {
		if percent < float64(threshold) {
			continue
		}
		key := fmt.Sprintf("%s|%s|%d", scope, now.Format("2006-01-02"), threshold)
		s.alertMu.Lock()
		already := s.alertedThresholds[key]
		if !already {
			s.alertedThresholds[key] = true
		}
		s.alertMu.Unlock()
		if already {
			continue
		}

		alertType := "budget_warning"
		if threshold >= 100 {
			alertType = "budget_critical"
		}
		event := AlertEvent{
			Scope:      scope,
			Threshold:  threshold,
			Percent:    percent,
			UsedCents:  used,
			LimitCents: budget.DailyLimitCents,
			AlertType:  alertType,
			Message: fmt.Sprintf("scope %s at %.1f%% of daily budget (%.2f / %.2f cents)",
				scope, percent, used, budget.DailyLimitCents),
			Timestamp: now,
		}
		if err := s.alerter.Alert(ctx, event); err != nil {
			s.logger.Printf("[Cost] alert delivery failed: %v", err)
		}
	}
}

// Metrics aggregates usage for a scope over a trailing window.
func (s *Service) Metrics(ctx context.Context, scope string, window time.Duration) (*Summary, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	records, err := s.repo.ListUsage(ctx, scope, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	summary := &Summary{
		Scope:            scope,
		Window:           window.String(),
		CostByProvider:   make(map[string]float64),
		CostByModel:      make(map[string]float64),
		CostByCapability: make(map[string]float64),
	}
	for i := range records {
		rec := &records[i]
		summary.Requests++
		summary.TotalCostCents += rec.CostCents
		summary.TokensIn += rec.TokensIn
		summary.TokensOut += rec.TokensOut
		if rec.CacheHit {
			summary.CacheHits++
			continue
		}
		summary.CostByProvider[rec.Provider] += rec.CostCents
		summary.CostByModel[rec.Provider+"/"+rec.Model] += rec.CostCents
		summary.CostByCapability[rec.Capability] += rec.CostCents
	}
	if summary.Requests > 0 {
		summary.CacheHitRatio = float64(summary.CacheHits) / float64(summary.Requests)
	}
	return summary, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
