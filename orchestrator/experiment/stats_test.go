// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSignificanceIdenticalSamples(t *testing.T) {
	result, err := ComputeSignificance(100, 1000, 100, 1000)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, result.PValue, 0.001)
	assert.False(t, result.StatisticallySignificant)
	assert.InDelta(t, 0.0, result.Difference, 1e-9)
}

func TestComputeSignificanceClearWinner(t *testing.T) {
	// 10% vs 20% conversion at n=1000 each is decisive.
	result, err := ComputeSignificance(100, 1000, 200, 1000)
	require.NoError(t, err)

	assert.True(t, result.StatisticallySignificant)
	assert.Less(t, result.PValue, 0.05)
	assert.InDelta(t, 0.1, result.Difference, 1e-9)
	assert.Greater(t, result.ConfidenceIntervalLow, 0.0,
		"95%% CI should exclude zero for a clear winner")
}

func TestComputeSignificanceSmallSampleInconclusive(t *testing.T) {
	// Same rates as the clear winner but with 20 users each.
	result, err := ComputeSignificance(2, 20, 4, 20)
	require.NoError(t, err)
	assert.False(t, result.StatisticallySignificant)
}

func TestComputeSignificanceDegenerate(t *testing.T) {
	t.Run("zero conversions both sides", func(t *testing.T) {
		result, err := ComputeSignificance(0, 100, 0, 100)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, result.PValue, 1e-9)
		assert.False(t, result.StatisticallySignificant)
	})

	t.Run("invalid sample sizes", func(t *testing.T) {
		_, err := ComputeSignificance(0, 0, 10, 100)
		assert.Error(t, err)
	})

	t.Run("conversions exceed total", func(t *testing.T) {
		_, err := ComputeSignificance(101, 100, 10, 100)
		assert.Error(t, err)
	})
}
