// Package scoring computes the factor scores used to rank candidate models.
// All scores are on a 0-100 scale.
package scoring

import (
	"context"
	"math"
	"time"

	"github.com/upb/llm-arbiter/config"
	"github.com/upb/llm-arbiter/models"
)

const (
	// DefaultInputTokens is assumed when the context has no expected input size
	DefaultInputTokens = 500
	// DefaultOutputTokens is assumed when the context has no expected output size
	DefaultOutputTokens = 500

	// priorReliability is used until a model has recorded outcomes
	priorReliability = 90.0
	// unmatchedTaskFactor discounts intelligence when no capability matches the task
	unmatchedTaskFactor = 0.85
)

// StatsSource exposes recent outcomes per model
type StatsSource interface {
	ModelStats(modelID string) models.PerformanceStats
}

type tierLatency struct {
	base     time.Duration
	perToken time.Duration
}

var tierLatencies = map[models.Tier]tierLatency{
	models.TierPremium:  {base: 1500 * time.Millisecond, perToken: 20 * time.Millisecond},
	models.TierStandard: {base: 800 * time.Millisecond, perToken: 12 * time.Millisecond},
	models.TierEconomy:  {base: 400 * time.Millisecond, perToken: 8 * time.Millisecond},
}

// taskCapabilities maps task types to the capability that best predicts quality
var taskCapabilities = map[models.TaskType]models.Capability{
	models.TaskCode:      models.CapabilityCode,
	models.TaskAnalyze:   models.CapabilityReasoning,
	models.TaskTranslate: models.CapabilityMultilingual,
	models.TaskSummarize: models.CapabilityLongContext,
}

// Heuristic scores models from catalog metadata and observed outcomes
type Heuristic struct {
	cfg   config.ScoringConfig
	stats StatsSource
}

// NewHeuristic creates a scorer. stats may be nil.
func NewHeuristic(cfg config.ScoringConfig, stats StatsSource) *Heuristic {
	return &Heuristic{cfg: cfg, stats: stats}
}

// CalculatePerformanceScore blends intelligence with the capability the task relies on
func (h *Heuristic) CalculatePerformanceScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	capability, ok := taskCapabilities[actx.TaskType]
	if !ok {
		return clamp(m.IntelligenceScore), nil
	}
	if score, declared := m.CapabilityScore(capability); declared {
		return clamp(0.6*m.IntelligenceScore + 0.4*score), nil
	}
	return clamp(m.IntelligenceScore * unmatchedTaskFactor), nil
}

// CalculateCostScore maps the expected cost onto 0-100 against MaxCost or the reference cost
func (h *Heuristic) CalculateCostScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	cost, err := h.CalculateExpectedCost(ctx, m, actx)
	if err != nil {
		return 0, err
	}

	ceiling := h.cfg.ReferenceCost
	if actx.MaxCost > 0 {
		ceiling = actx.MaxCost
	}
	if ceiling <= 0 {
		return 100, nil
	}
	return clamp(100 * (1 - cost/ceiling)), nil
}

// CalculateComplianceScore rewards encryption at rest and regional coverage
func (h *Heuristic) CalculateComplianceScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	score := 100.0
	if !m.EncryptsAtRest {
		score -= 20
	}
	if len(m.SupportedRegions) < 2 {
		score -= 10
	}
	return clamp(score), nil
}

// CalculateReliabilityScore is the observed success rate, or a prior without samples
func (h *Heuristic) CalculateReliabilityScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stats := h.modelStats(m.ID)
	if stats.Samples == 0 {
		return priorReliability, nil
	}
	return clamp(stats.SuccessRate * 100), nil
}

// EstimateLatency returns the observed average, or a tier baseline plus output time
func (h *Heuristic) EstimateLatency(ctx context.Context, m models.Model, actx models.ArbitrationContext) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if stats := h.modelStats(m.ID); stats.Samples > 0 && stats.AverageLatency > 0 {
		return stats.AverageLatency, nil
	}

	tl, ok := tierLatencies[m.Tier]
	if !ok {
		tl = tierLatencies[models.TierStandard]
	}
	_, out := expectedTokens(actx)
	return tl.base + time.Duration(out)*tl.perToken, nil
}

// CalculateExpectedCost prices the expected token counts
func (h *Heuristic) CalculateExpectedCost(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, out := expectedTokens(actx)
	return m.EstimateCost(in, out), nil
}

// GetScoringWeights returns the weight set for the task type
func (h *Heuristic) GetScoringWeights(actx models.ArbitrationContext) models.ScoringWeights {
	return h.cfg.WeightsFor(actx.TaskType)
}

func (h *Heuristic) modelStats(modelID string) models.PerformanceStats {
	if h.stats == nil {
		return models.PerformanceStats{}
	}
	return h.stats.ModelStats(modelID)
}

func expectedTokens(actx models.ArbitrationContext) (int, int) {
	in, out := actx.ExpectedInputTokens, actx.ExpectedOutputTokens
	if in <= 0 {
		in = DefaultInputTokens
	}
	if out <= 0 {
		out = DefaultOutputTokens
	}
	return in, out
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
