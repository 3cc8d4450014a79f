package arbitration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/models"
	"go.uber.org/zap"
)

func newTestEvaluator(h *harness, adjust WeightAdjuster) *Evaluator {
	return NewEvaluator(h.catalog, h.users, h.compliance, h.scorer, adjust, zap.NewNop())
}

func exclusionReasons(eval *Evaluation) map[string]string {
	out := make(map[string]string, len(eval.Excluded))
	for _, x := range eval.Excluded {
		out[x.ModelID] = x.Reason
	}
	return out
}

func TestEvaluator_EligibilityChecks(t *testing.T) {
	small := testModel("small-ctx", "openai", 85)
	small.MaxContextTokens = 4000

	tests := []struct {
		name   string
		models []models.Model
		actx   models.ArbitrationContext
		setup  func(h *harness)
		reason string
	}{
		{
			name:   "below minimum intelligence",
			models: []models.Model{testModel("dull", "openai", 60)},
			actx:   models.ArbitrationContext{MinIntelligenceScore: 80},
			reason: "intelligence 60.0 below minimum 80.0",
		},
		{
			name:   "context window too small",
			models: []models.Model{small},
			actx:   models.ArbitrationContext{MinContextLength: 32000},
			reason: "context window 4000 below minimum 32000",
		},
		{
			name:   "model blocked by request",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx:   models.ArbitrationContext{BlockedModels: []string{"gpt"}},
			reason: "model blocked",
		},
		{
			name:   "model blocked by user constraints",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx:   models.ArbitrationContext{UserID: "u1"},
			setup: func(h *harness) {
				h.users.blocked = map[string][]string{"u1": {"gpt"}}
			},
			reason: "model blocked",
		},
		{
			name:   "provider blocked",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx:   models.ArbitrationContext{BlockedProviders: []string{"openai"}},
			reason: "provider blocked",
		},
		{
			name:   "model outside allow list",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx:   models.ArbitrationContext{AllowedModels: []string{"claude"}},
			reason: "model not in allow list",
		},
		{
			name:   "provider outside allow list",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx:   models.ArbitrationContext{AllowedProviders: []string{"anthropic"}},
			reason: "provider not in allow list",
		},
		{
			name:   "unhealthy provider",
			models: []models.Model{testModel("gpt", "openai", 90)},
			setup: func(h *harness) {
				h.catalog.health = map[string]models.HealthStatus{"openai": models.HealthDegraded}
			},
			reason: "provider degraded",
		},
		{
			name:   "non-compliant model",
			models: []models.Model{testModel("gpt", "openai", 90)},
			setup: func(h *harness) {
				h.compliance.violations = map[string][]string{"gpt": {"region eu not supported"}}
			},
			reason: "non-compliant: region eu not supported",
		},
		{
			name:   "missing capability",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx: models.ArbitrationContext{RequiredCapabilities: []models.CapabilityRequirement{
				{Capability: models.CapabilityVision, MinScore: 50},
			}},
			reason: "capability vision below 50.0",
		},
		{
			name:   "capability score too low",
			models: []models.Model{testModel("gpt", "openai", 90)},
			actx: models.ArbitrationContext{RequiredCapabilities: []models.CapabilityRequirement{
				{Capability: models.CapabilityCode, MinScore: 90},
			}},
			reason: "capability code below 90.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.models)
			if tt.setup != nil {
				tt.setup(h)
			}
			tt.actx.TenantID = "t1"

			eval, err := newTestEvaluator(h, nil).Evaluate(context.Background(), tt.actx)

			require.NoError(t, err)
			assert.Empty(t, eval.Candidates)
			require.Len(t, eval.Excluded, 1)
			assert.Equal(t, tt.reason, eval.Excluded[0].Reason)
			assert.Equal(t, 1, eval.Evaluated)
		})
	}
}

func TestEvaluator_FirstFailingCheckWins(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("gpt", "openai", 60)})
	h.catalog.health = map[string]models.HealthStatus{"openai": models.HealthDown}

	eval, err := newTestEvaluator(h, nil).Evaluate(context.Background(), models.ArbitrationContext{
		TenantID:             "t1",
		MinIntelligenceScore: 80,
		BlockedModels:        []string{"gpt"},
	})

	require.NoError(t, err)
	require.Len(t, eval.Excluded, 1)
	assert.Equal(t, "intelligence 60.0 below minimum 80.0", eval.Excluded[0].Reason)
}

func TestEvaluator_ScoresEligibleModels(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("gpt", "openai", 90)})
	h.scorer.scores["gpt"] = factorScores{
		perf:         80,
		cost:         60,
		compliance:   100,
		reliability:  90,
		latency:      1500 * time.Millisecond,
		expectedCost: 0.002,
	}

	eval, err := newTestEvaluator(h, nil).Evaluate(context.Background(), models.ArbitrationContext{TenantID: "t1"})

	require.NoError(t, err)
	require.Len(t, eval.Candidates, 1)
	c := eval.Candidates[0]
	assert.Equal(t, 80.0, c.PerformanceScore)
	assert.Equal(t, 60.0, c.CostScore)
	assert.Equal(t, 100.0, c.ComplianceScore)
	assert.Equal(t, 90.0, c.ReliabilityScore)
	assert.Equal(t, 0.002, c.EstimatedCost)
	assert.Equal(t, models.HealthHealthy, c.ProviderHealth)
	// 80*0.4 + 60*0.3 + 100*0.2 + 90*0.1
	assert.InDelta(t, 79.0, c.FinalScore, 1e-9)
	assert.InDelta(t, 90/0.002, c.ValueScore, 1e-6)
	assert.Equal(t, defaultWeights, eval.Weights)
}

func TestEvaluator_ValueScoreFloorsCost(t *testing.T) {
	tests := []struct {
		name  string
		cost  float64
		value float64
	}{
		{"regular cost", 0.01, 90 / 0.01},
		{"cost below floor", 0.0001, 90 / models.MinCostFloor},
		{"free model", 0, 90 / models.MinCostFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []models.Model{testModel("gpt", "openai", 90)})
			h.scorer.scores["gpt"] = uniform(80, tt.cost)

			eval, err := newTestEvaluator(h, nil).Evaluate(context.Background(), models.ArbitrationContext{TenantID: "t1"})

			require.NoError(t, err)
			require.Len(t, eval.Candidates, 1)
			assert.InDelta(t, tt.value, eval.Candidates[0].ValueScore, 1e-6)
		})
	}
}

func TestEvaluator_AppliesWeightAdjuster(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("gpt", "openai", 90)})
	h.scorer.scores["gpt"] = factorScores{perf: 0, cost: 0, compliance: 0, reliability: 100, expectedCost: 0.01}

	adjust := func(w models.ScoringWeights) models.ScoringWeights {
		w.Cost -= 0.1
		w.Reliability += 0.1
		return w
	}
	eval, err := newTestEvaluator(h, adjust).Evaluate(context.Background(), models.ArbitrationContext{TenantID: "t1"})

	require.NoError(t, err)
	assert.InDelta(t, 0.2, eval.Weights.Reliability, 1e-9)
	assert.InDelta(t, 20.0, eval.Candidates[0].FinalScore, 1e-9)
}

func TestEvaluator_SkipsModelsThatFailToEvaluate(t *testing.T) {
	h := newHarness(t, []models.Model{
		testModel("broken-score", "openai", 90),
		testModel("broken-compliance", "openai", 90),
		testModel("broken-health", "flaky", 90),
		testModel("good", "openai", 90),
	})
	h.scorer.scores["broken-score"] = factorScores{err: errors.New("stats unavailable")}
	h.compliance.modelErr = map[string]error{"broken-compliance": errors.New("rules unavailable")}
	h.catalog.healthErr = map[string]error{"flaky": errors.New("health unavailable")}

	eval, err := newTestEvaluator(h, nil).Evaluate(context.Background(), models.ArbitrationContext{TenantID: "t1"})

	require.NoError(t, err)
	require.Len(t, eval.Candidates, 1)
	assert.Equal(t, "good", eval.Candidates[0].Model.ID)

	reasons := exclusionReasons(eval)
	assert.Equal(t, "evaluation error", reasons["broken-score"])
	assert.Equal(t, "evaluation error", reasons["broken-compliance"])
	assert.Equal(t, "evaluation error", reasons["broken-health"])
	assert.ElementsMatch(t, []string{"broken-score", "broken-compliance", "broken-health"}, eval.ExcludedIDs())
}

func TestEvaluator_CatalogErrorFails(t *testing.T) {
	h := newHarness(t, nil)
	h.catalog.err = errors.New("db down")

	_, err := newTestEvaluator(h, nil).Evaluate(context.Background(), models.ArbitrationContext{TenantID: "t1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load active models")
}

func TestEvaluator_UserConstraintErrorFailsClosed(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("gpt", "openai", 90)})
	h.users.err = errors.New("user store down")

	_, err := newTestEvaluator(h, nil).Evaluate(context.Background(), models.ArbitrationContext{TenantID: "t1", UserID: "u1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load user constraints")
}

func TestEvaluator_CancelledContext(t *testing.T) {
	h := newHarness(t, []models.Model{testModel("gpt", "openai", 90)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEvaluator(h, nil).Evaluate(ctx, models.ArbitrationContext{TenantID: "t1"})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluator_ConstraintsNeverGrowEligibleSet(t *testing.T) {
	catalog := []models.Model{
		testModel("a", "openai", 95),
		testModel("b", "openai", 85),
		testModel("c", "anthropic", 75),
		testModel("d", "groq", 65),
	}
	catalog[2].MaxContextTokens = 16000

	// each step adds one more constraint to the previous context
	steps := []func(*models.ArbitrationContext){
		func(a *models.ArbitrationContext) {},
		func(a *models.ArbitrationContext) { a.MinIntelligenceScore = 70 },
		func(a *models.ArbitrationContext) { a.MinContextLength = 32000 },
		func(a *models.ArbitrationContext) { a.BlockedProviders = []string{"groq"} },
		func(a *models.ArbitrationContext) { a.BlockedModels = []string{"b"} },
		func(a *models.ArbitrationContext) {
			a.RequiredCapabilities = []models.CapabilityRequirement{{Capability: models.CapabilityReasoning, MinScore: 10}}
		},
	}

	h := newHarness(t, catalog)
	ev := newTestEvaluator(h, nil)
	actx := models.ArbitrationContext{TenantID: "t1"}

	prev := map[string]bool{}
	for i, step := range steps {
		step(&actx)
		eval, err := ev.Evaluate(context.Background(), actx)
		require.NoError(t, err)

		current := map[string]bool{}
		for _, c := range eval.Candidates {
			current[c.Model.ID] = true
			if i > 0 {
				assert.True(t, prev[c.Model.ID], "step %d made %s eligible", i, c.Model.ID)
			}
		}
		prev = current
	}
	assert.Empty(t, prev)
}
