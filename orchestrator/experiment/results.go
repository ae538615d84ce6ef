// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"fmt"
	"time"

	"mindloop/core/orchestrator/events"
)

// tally counts exposures and conversions for one variant. Counts live in
// memory only; a restart zeroes them, which is acceptable for dashboard
// readouts since the analytics stream holds the durable record.
type tally struct {
	exposures   int
	conversions int
}

// VariantResult is the observed performance of one variant.
type VariantResult struct {
	VariantID      string              `json:"variant_id"`
	Name           string              `json:"name"`
	IsControl      bool                `json:"is_control"`
	Exposures      int                 `json:"exposures"`
	Conversions    int                 `json:"conversions"`
	ConversionRate float64             `json:"conversion_rate"`
	Significance   *SignificanceResult `json:"significance,omitempty"`
}

// Results is the per-variant readout for an experiment, each non-control
// variant tested against the control.
type Results struct {
	ExperimentID      string          `json:"experiment_id"`
	Name              string          `json:"name"`
	Status            Status          `json:"status"`
	MinSampleSize     int             `json:"min_sample_size,omitempty"`
	SampleSizeReached bool            `json:"sample_size_reached"`
	Variants          []VariantResult `json:"variants"`
	GeneratedAt       time.Time       `json:"generated_at"`
}

// recordTally folds an exposure or conversion event into the in-memory
// counts. Other event types pass through untouched.
func (e *Engine) recordTally(eventType, experimentID, variantID string) {
	if experimentID == "" || variantID == "" {
		return
	}
	var bump func(*tally)
	switch eventType {
	case events.TypeExposure:
		bump = func(t *tally) { t.exposures++ }
	case events.TypeConversion:
		bump = func(t *tally) { t.conversions++ }
	default:
		return
	}

	e.tmu.Lock()
	defer e.tmu.Unlock()
	byVariant, ok := e.tallies[experimentID]
	if !ok {
		byVariant = make(map[string]*tally)
		e.tallies[experimentID] = byVariant
	}
	t, ok := byVariant[variantID]
	if !ok {
		t = &tally{}
		byVariant[variantID] = t
	}
	bump(t)
}

// ComputeResults builds the per-variant readout for an experiment from
// recorded exposures and conversions, testing each non-control variant
// against the control with a two-proportion z-test. Variants with no
// exposures yet carry no significance result.
func (e *Engine) ComputeResults(experimentID string) (*Results, error) {
	exp, err := e.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}

	e.tmu.Lock()
	counts := make(map[string]tally, len(exp.Variants))
	for id, t := range e.tallies[experimentID] {
		counts[id] = *t
	}
	e.tmu.Unlock()

	results := &Results{
		ExperimentID:  exp.ID,
		Name:          exp.Name,
		Status:        exp.Status,
		MinSampleSize: exp.MinSampleSize,
		GeneratedAt:   time.Now().UTC(),
	}

	var control *tally
	smallest := -1
	for _, v := range exp.Variants {
		t := counts[v.ID]
		if v.IsControl {
			copied := t
			control = &copied
		}
		if smallest < 0 || t.exposures < smallest {
			smallest = t.exposures
		}
		vr := VariantResult{
			VariantID:   v.ID,
			Name:        v.Name,
			IsControl:   v.IsControl,
			Exposures:   t.exposures,
			Conversions: t.conversions,
		}
		if t.exposures > 0 {
			vr.ConversionRate = float64(t.conversions) / float64(t.exposures)
		}
		results.Variants = append(results.Variants, vr)
	}
	results.SampleSizeReached = exp.MinSampleSize > 0 && smallest >= exp.MinSampleSize

	if control == nil || control.exposures == 0 {
		return results, nil
	}
	for i := range results.Variants {
		vr := &results.Variants[i]
		if vr.IsControl || vr.Exposures == 0 {
			continue
		}
		sig, err := ComputeSignificance(control.conversions, control.exposures, vr.Conversions, vr.Exposures)
		if err != nil {
			return nil, fmt.Errorf("significance for variant %q: %w", vr.VariantID, err)
		}
		vr.Significance = sig
	}
	return results, nil
}
