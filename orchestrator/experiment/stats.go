// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"errors"
	"math"
)

// SignificanceResult is the outcome of a two-proportion z-test between a
// control and a variant sample.
type SignificanceResult struct {
	ControlRate              float64 `json:"control_rate"`
	VariantRate              float64 `json:"variant_rate"`
	Difference               float64 `json:"difference"`
	ZScore                   float64 `json:"z_score"`
	PValue                   float64 `json:"p_value"`
	ConfidenceIntervalLow    float64 `json:"confidence_interval_low"`
	ConfidenceIntervalHigh   float64 `json:"confidence_interval_high"`
	StatisticallySignificant bool    `json:"statistically_significant"`
}

// z975 is the normal quantile for a 95% two-sided confidence interval.
const z975 = 1.959963985

// ComputeSignificance runs a two-proportion z-test: pooled proportion,
// pooled standard error, z-score, two-tailed p-value from the normal CDF,
// and a 95% CI on the rate difference. An approximation good enough for
// dashboards; a regulated analysis should use a vetted statistics
// library.
func ComputeSignificance(controlConversions, controlTotal, variantConversions, variantTotal int) (*SignificanceResult, error) {
	if controlTotal <= 0 || variantTotal <= 0 {
		return nil, errors.New("sample sizes must be positive")
	}
	if controlConversions < 0 || controlConversions > controlTotal ||
		variantConversions < 0 || variantConversions > variantTotal {
		return nil, errors.New("conversions out of range")
	}

	pc := float64(controlConversions) / float64(controlTotal)
	pv := float64(variantConversions) / float64(variantTotal)
	diff := pv - pc

	pooled := float64(controlConversions+variantConversions) / float64(controlTotal+variantTotal)
	pooledSE := math.Sqrt(pooled * (1 - pooled) * (1/float64(controlTotal) + 1/float64(variantTotal)))

	result := &SignificanceResult{
		ControlRate: pc,
		VariantRate: pv,
		Difference:  diff,
	}

	if pooledSE == 0 {
		// Both samples all-converted or all-unconverted: no evidence of
		// any difference.
		result.PValue = 1
		result.ConfidenceIntervalLow = diff
		result.ConfidenceIntervalHigh = diff
		return result, nil
	}

	z := diff / pooledSE
	result.ZScore = z
	result.PValue = math.Erfc(math.Abs(z) / math.Sqrt2)
	result.StatisticallySignificant = result.PValue < 0.05

	// CI on the difference uses the unpooled standard error.
	se := math.Sqrt(pc*(1-pc)/float64(controlTotal) + pv*(1-pv)/float64(variantTotal))
	result.ConfidenceIntervalLow = diff - z975*se
	result.ConfidenceIntervalHigh = diff + z975*se
	return result, nil
}
