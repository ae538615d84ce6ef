// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindloop/core/orchestrator/events"
)

func recordN(e *Engine, eventType, experimentID, variantID string, n int) {
	for i := 0; i < n; i++ {
		e.RecordEvent(eventType, experimentID, variantID, user("u"), "", nil)
	}
}

func TestComputeResultsUnknownExperiment(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ComputeResults("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComputeResultsNoTraffic(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.UpsertExperiment(fiftyFifty("exp-1")))

	results, err := e.ComputeResults("exp-1")
	require.NoError(t, err)
	require.Len(t, results.Variants, 2)
	for _, v := range results.Variants {
		assert.Zero(t, v.Exposures)
		assert.Zero(t, v.ConversionRate)
		assert.Nil(t, v.Significance)
	}
}

func TestComputeResultsSignificantLift(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.UpsertExperiment(fiftyFifty("exp-1")))

	recordN(e, events.TypeExposure, "exp-1", "control", 1000)
	recordN(e, events.TypeConversion, "exp-1", "control", 100)
	recordN(e, events.TypeExposure, "exp-1", "treatment", 1000)
	recordN(e, events.TypeConversion, "exp-1", "treatment", 200)

	results, err := e.ComputeResults("exp-1")
	require.NoError(t, err)
	require.Len(t, results.Variants, 2)

	var control, treatment *VariantResult
	for i := range results.Variants {
		if results.Variants[i].IsControl {
			control = &results.Variants[i]
		} else {
			treatment = &results.Variants[i]
		}
	}
	require.NotNil(t, control)
	require.NotNil(t, treatment)

	assert.InDelta(t, 0.1, control.ConversionRate, 1e-9)
	assert.Nil(t, control.Significance)

	assert.InDelta(t, 0.2, treatment.ConversionRate, 1e-9)
	require.NotNil(t, treatment.Significance)
	assert.True(t, treatment.Significance.StatisticallySignificant)
	assert.Greater(t, treatment.Significance.Difference, 0.0)
}

func TestComputeResultsIdenticalVariantsNotSignificant(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.UpsertExperiment(fiftyFifty("exp-1")))

	for _, variant := range []string{"control", "treatment"} {
		recordN(e, events.TypeExposure, "exp-1", variant, 500)
		recordN(e, events.TypeConversion, "exp-1", variant, 50)
	}

	results, err := e.ComputeResults("exp-1")
	require.NoError(t, err)
	for _, v := range results.Variants {
		if v.IsControl {
			continue
		}
		require.NotNil(t, v.Significance)
		assert.False(t, v.Significance.StatisticallySignificant)
		assert.Greater(t, v.Significance.PValue, 0.05)
	}
}

func TestComputeResultsSampleSize(t *testing.T) {
	e := newTestEngine(t)
	exp := fiftyFifty("exp-1")
	exp.MinSampleSize = 100
	require.NoError(t, e.UpsertExperiment(exp))

	recordN(e, events.TypeExposure, "exp-1", "control", 100)
	recordN(e, events.TypeExposure, "exp-1", "treatment", 99)

	results, err := e.ComputeResults("exp-1")
	require.NoError(t, err)
	assert.False(t, results.SampleSizeReached)

	recordN(e, events.TypeExposure, "exp-1", "treatment", 1)
	results, err = e.ComputeResults("exp-1")
	require.NoError(t, err)
	assert.True(t, results.SampleSizeReached)
}

func TestRecordEventIgnoresUnrelatedTypes(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.UpsertExperiment(fiftyFifty("exp-1")))

	recordN(e, events.TypeCacheHit, "exp-1", "control", 5)
	recordN(e, events.TypeExposure, "", "control", 5)

	results, err := e.ComputeResults("exp-1")
	require.NoError(t, err)
	for _, v := range results.Variants {
		assert.Zero(t, v.Exposures)
		assert.Zero(t, v.Conversions)
	}
}
