package arbitration

import (
	"sort"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
)

// RankerConfig holds the business rules applied after scoring
type RankerConfig struct {
	// MinFinalScore drops weaker candidates
	MinFinalScore float64
	// MaxFallbacks caps the fallback list
	MaxFallbacks int
	// RelaxedTopN is how many candidates survive when the rules reject everything
	RelaxedTopN int
}

// DefaultRankerConfig returns the standard business rules
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		MinFinalScore: 50,
		MaxFallbacks:  3,
		RelaxedTopN:   3,
	}
}

// Ranking is the outcome of Rank
type Ranking struct {
	Selected  models.Candidate
	Fallbacks []models.Candidate
	// Filtered are the candidates that survived the business rules, in rank order
	Filtered []models.Candidate
	// Relaxed is set when no candidate met the rules and the top ranked were used instead
	Relaxed  bool
	Strategy models.SelectionStrategy
}

// Ranker orders candidates and applies the selection strategy
type Ranker struct {
	config RankerConfig
}

// NewRanker creates a Ranker
func NewRanker(cfg RankerConfig) *Ranker {
	if cfg.RelaxedTopN <= 0 {
		cfg.RelaxedTopN = DefaultRankerConfig().RelaxedTopN
	}
	if cfg.MaxFallbacks < 0 {
		cfg.MaxFallbacks = 0
	}
	return &Ranker{config: cfg}
}

// Rank sorts candidates, filters them by the business rules and picks the
// final model and its fallbacks. The input slice is not modified.
func (r *Ranker) Rank(candidates []models.Candidate, actx models.ArbitrationContext) (*Ranking, error) {
	if len(candidates) == 0 {
		return nil, services.NewNoSuitableModelError("no eligible candidates")
	}

	ranked := append([]models.Candidate(nil), candidates...)
	sortCandidates(ranked)

	filtered := make([]models.Candidate, 0, len(ranked))
	for _, c := range ranked {
		if r.passes(c, actx) {
			filtered = append(filtered, c)
		}
	}

	relaxed := false
	if len(filtered) == 0 {
		n := r.config.RelaxedTopN
		if n > len(ranked) {
			n = len(ranked)
		}
		filtered = ranked[:n]
		relaxed = true
	}

	strategy := actx.Strategy()
	selected := selectByStrategy(filtered, strategy)

	fallbacks := make([]models.Candidate, 0, r.config.MaxFallbacks)
	for _, c := range filtered {
		if len(fallbacks) == r.config.MaxFallbacks {
			break
		}
		if c.Model.ID == selected.Model.ID {
			continue
		}
		fallbacks = append(fallbacks, c)
	}

	return &Ranking{
		Selected:  selected,
		Fallbacks: fallbacks,
		Filtered:  filtered,
		Relaxed:   relaxed,
		Strategy:  strategy,
	}, nil
}

func (r *Ranker) passes(c models.Candidate, actx models.ArbitrationContext) bool {
	if c.FinalScore < r.config.MinFinalScore {
		return false
	}
	if actx.MaxLatency > 0 && c.EstimatedLatency > actx.MaxLatency {
		return false
	}
	if actx.MaxCost > 0 && c.EstimatedCost > actx.MaxCost {
		return false
	}
	return true
}

// sortCandidates orders by final score then value score, both descending.
// Full ties keep catalog order.
func sortCandidates(cs []models.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].FinalScore != cs[j].FinalScore {
			return cs[i].FinalScore > cs[j].FinalScore
		}
		return cs[i].ValueScore > cs[j].ValueScore
	})
}

// selectByStrategy scans ranked candidates and keeps the first strict
// improvement, so ties resolve to the higher ranked candidate.
func selectByStrategy(ranked []models.Candidate, strategy models.SelectionStrategy) models.Candidate {
	var better func(a, b models.Candidate) bool
	switch strategy {
	case models.StrategyCostOptimized:
		better = func(a, b models.Candidate) bool { return a.EstimatedCost < b.EstimatedCost }
	case models.StrategyPerformanceCritical:
		better = func(a, b models.Candidate) bool { return a.PerformanceScore > b.PerformanceScore }
	case models.StrategyLatencySensitive:
		better = func(a, b models.Candidate) bool { return a.EstimatedLatency < b.EstimatedLatency }
	case models.StrategyReliabilityFocused:
		better = func(a, b models.Candidate) bool { return a.ReliabilityScore > b.ReliabilityScore }
	default:
		return ranked[0]
	}

	best := ranked[0]
	for _, c := range ranked[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}
