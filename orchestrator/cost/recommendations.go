// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"fmt"
	"time"
)

const (
	// recommendWindow is how far back the ledger is examined.
	recommendWindow = 7 * 24 * time.Hour

	// minRecommendRequests is the floor below which the sample is too
	// small to recommend anything.
	minRecommendRequests = 20
)

// Recommendations derives cost optimization hints for a scope from the
// last week of ledger records. It looks for one dominant expensive model,
// a low cache hit ratio, and input-heavy prompts. Stateless: every call
// recomputes from the ledger.
func (s *Service) Recommendations(ctx context.Context, scope string) ([]Recommendation, error) {
	records, err := s.repo.ListUsage(ctx, scope, time.Now().Add(-recommendWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(records) < minRecommendRequests {
		return nil, nil
	}

	var (
		totalCost   float64
		tokensIn    int
		tokensOut   int
		cacheHits   int
		costByModel = make(map[string]float64)
	)
	for i := range records {
		rec := &records[i]
		totalCost += rec.CostCents
		tokensIn += rec.TokensIn
		tokensOut += rec.TokensOut
		if rec.CacheHit {
			cacheHits++
			continue
		}
		costByModel[rec.Provider+"/"+rec.Model] += rec.CostCents
	}

	var recs []Recommendation

	if topModel, topCost := costliest(costByModel); totalCost > 0 && topCost/totalCost > 0.5 {
		recs = append(recs, Recommendation{
			Type: RecommendLighterModel,
			Message: fmt.Sprintf("%s accounts for %.0f%% of spend; route routine traffic to a lighter model",
				topModel, topCost/totalCost*100),
			// Assume roughly half the dominant model's traffic could run
			// on a model an order of magnitude cheaper.
			EstimatedSavingsCents: topCost * 0.45,
			Details: map[string]interface{}{
				"model":            topModel,
				"model_cost_cents": topCost,
				"total_cost_cents": totalCost,
			},
		})
	}

	if hitRatio := float64(cacheHits) / float64(len(records)); hitRatio < 0.2 {
		recs = append(recs, Recommendation{
			Type: RecommendCacheReuse,
			Message: fmt.Sprintf("cache hit ratio is %.0f%%; similar prompts are being recomputed",
				hitRatio*100),
			EstimatedSavingsCents: totalCost * (0.2 - hitRatio),
			Details: map[string]interface{}{
				"hit_ratio": hitRatio,
				"requests":  len(records),
			},
		})
	}

	if tokensOut > 0 && float64(tokensIn) > 3*float64(tokensOut) {
		inputShare := float64(tokensIn) / float64(tokensIn+tokensOut)
		recs = append(recs, Recommendation{
			Type: RecommendTrimPrompts,
			Message: fmt.Sprintf("input tokens are %.1fx output tokens; trim prompt templates and context",
				float64(tokensIn)/float64(tokensOut)),
			EstimatedSavingsCents: totalCost * inputShare * 0.25,
			Details: map[string]interface{}{
				"tokens_in":  tokensIn,
				"tokens_out": tokensOut,
			},
		})
	}

	return recs, nil
}

func costliest(costByModel map[string]float64) (string, float64) {
	var topModel string
	var topCost float64
	for model, cost := range costByModel {
		if cost > topCost {
			topModel = model
			topCost = cost
		}
	}
	return topModel, topCost
}
