package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-arbiter/config"
	"github.com/upb/llm-arbiter/models"
)

type fakeStats map[string]models.PerformanceStats

func (f fakeStats) ModelStats(modelID string) models.PerformanceStats {
	return f[modelID]
}

func testModel() models.Model {
	return models.Model{
		ID:                   "gpt-4o-mini",
		ProviderID:           "openai",
		InputCostPerMillion:  0.5,
		OutputCostPerMillion: 1.5,
		IntelligenceScore:    80,
		Capabilities: map[models.Capability]float64{
			models.CapabilityCode: 90,
		},
		Tier:             models.TierEconomy,
		SupportedRegions: []string{"us", "eu"},
		EncryptsAtRest:   true,
	}
}

func TestHeuristic_PerformanceScore(t *testing.T) {
	h := NewHeuristic(config.DefaultScoringConfig(), nil)
	ctx := context.Background()
	m := testModel()

	tests := []struct {
		name string
		task models.TaskType
		want float64
	}{
		{"chat uses intelligence", models.TaskChat, 80},
		{"code blends capability", models.TaskCode, 0.6*80 + 0.4*90},
		{"translate without capability is discounted", models.TaskTranslate, 80 * 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.CalculatePerformanceScore(ctx, m, models.ArbitrationContext{TaskType: tt.task})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestHeuristic_CostScore(t *testing.T) {
	h := NewHeuristic(config.DefaultScoringConfig(), nil)
	ctx := context.Background()
	m := testModel()

	cost, err := h.CalculateExpectedCost(ctx, m, models.ArbitrationContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.001, cost, 1e-12)

	score, err := h.CalculateCostScore(ctx, m, models.ArbitrationContext{})
	require.NoError(t, err)
	assert.InDelta(t, 99, score, 1e-9)

	score, err = h.CalculateCostScore(ctx, m, models.ArbitrationContext{MaxCost: 0.002})
	require.NoError(t, err)
	assert.InDelta(t, 50, score, 1e-9)

	score, err = h.CalculateCostScore(ctx, m, models.ArbitrationContext{MaxCost: 0.0005})
	require.NoError(t, err)
	assert.Equal(t, 0.0, score, "cost above ceiling clamps to zero")
}

func TestHeuristic_ComplianceScore(t *testing.T) {
	h := NewHeuristic(config.DefaultScoringConfig(), nil)
	ctx := context.Background()

	m := testModel()
	score, err := h.CalculateComplianceScore(ctx, m, models.ArbitrationContext{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)

	m.EncryptsAtRest = false
	m.SupportedRegions = []string{"us"}
	score, err = h.CalculateComplianceScore(ctx, m, models.ArbitrationContext{})
	require.NoError(t, err)
	assert.Equal(t, 70.0, score)
}

func TestHeuristic_ReliabilityAndLatency(t *testing.T) {
	ctx := context.Background()
	m := testModel()

	t.Run("priors without samples", func(t *testing.T) {
		h := NewHeuristic(config.DefaultScoringConfig(), fakeStats{})

		rel, err := h.CalculateReliabilityScore(ctx, m, models.ArbitrationContext{})
		require.NoError(t, err)
		assert.Equal(t, 90.0, rel)

		lat, err := h.EstimateLatency(ctx, m, models.ArbitrationContext{ExpectedOutputTokens: 100})
		require.NoError(t, err)
		assert.Equal(t, 400*time.Millisecond+100*8*time.Millisecond, lat)
	})

	t.Run("observed outcomes", func(t *testing.T) {
		h := NewHeuristic(config.DefaultScoringConfig(), fakeStats{
			m.ID: {Samples: 10, SuccessRate: 0.7, AverageLatency: 250 * time.Millisecond},
		})

		rel, err := h.CalculateReliabilityScore(ctx, m, models.ArbitrationContext{})
		require.NoError(t, err)
		assert.InDelta(t, 70, rel, 1e-9)

		lat, err := h.EstimateLatency(ctx, m, models.ArbitrationContext{})
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, lat)
	})
}

func TestHeuristic_Weights(t *testing.T) {
	h := NewHeuristic(config.DefaultScoringConfig(), nil)

	assert.Equal(t, 0.4, h.GetScoringWeights(models.ArbitrationContext{}).Performance)
	assert.Equal(t, 0.5, h.GetScoringWeights(models.ArbitrationContext{TaskType: models.TaskCostSensitive}).Cost)
	assert.Equal(t, 0.6, h.GetScoringWeights(models.ArbitrationContext{TaskType: models.TaskPerformanceCritical}).Performance)
}

func TestHeuristic_CancelledContext(t *testing.T) {
	h := NewHeuristic(config.DefaultScoringConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.CalculatePerformanceScore(ctx, testModel(), models.ArbitrationContext{})
	assert.ErrorIs(t, err, context.Canceled)
}
