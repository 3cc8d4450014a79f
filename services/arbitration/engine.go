// Package arbitration selects a model for a request and executes it with
// admission control, circuit breaking and fallback to the next-best candidates.
package arbitration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/upb/llm-arbiter/internal/observability"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultBatchConcurrency bounds simultaneous executions of one batch
	DefaultBatchConcurrency = 10

	boostStep          = 0.05
	maxBoost           = 0.2
	highFallbackRate   = 0.10
	lowFallbackRate    = 0.02
	minOptimizeSamples = 20
)

// Dependencies are the collaborators of the Engine. Limiter, Costs, Audit,
// Users and Outcomes are optional.
type Dependencies struct {
	Catalog    ModelCatalog
	Users      UserConstraintSource
	Compliance ComplianceChecker
	Scorer     Scorer
	Breaker    CircuitBreaker
	Adapters   AdapterSource
	Costs      CostTracker
	Limiter    RateLimiter
	Audit      AuditLogger
	Outcomes   OutcomeSource
}

// Config tunes the Engine
type Config struct {
	Ranker           RankerConfig
	BatchConcurrency int
}

// DefaultConfig returns the standard engine settings
func DefaultConfig() Config {
	return Config{
		Ranker:           DefaultRankerConfig(),
		BatchConcurrency: DefaultBatchConcurrency,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine composes admission control, evaluation, ranking and execution
type Engine struct {
	deps      Dependencies
	config    Config
	evaluator *Evaluator
	ranker    *Ranker
	clock     clock.Clock
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger

	rulesMu       sync.RWMutex
	boost         float64
	lastOptimized time.Time
}

// NewEngine creates an Engine
func NewEngine(deps Dependencies, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	e := &Engine{
		deps:   deps,
		config: cfg,
		ranker: NewRanker(cfg.Ranker),
		clock:  clock.New(),
		tracer: observability.Tracer(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = NewEvaluator(deps.Catalog, deps.Users, deps.Compliance, deps.Scorer, e.adjustWeights, logger)
	e.lastOptimized = e.clock.Now()
	return e
}

// Arbitrate evaluates and ranks the catalog for actx and returns the decision.
// It does not run admission control.
func (e *Engine) Arbitrate(ctx context.Context, actx models.ArbitrationContext) (result *models.ArbitrationResult, err error) {
	ctx, span := e.tracer.Start(ctx, "arbitration.Arbitrate", trace.WithAttributes(
		attribute.String("tenant_id", actx.TenantID),
		attribute.String("task_type", string(actx.TaskType)),
	))
	defer func() { observability.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := e.clock.Now()
	strategy := actx.Strategy()

	eval, err := e.evaluator.Evaluate(ctx, actx)
	if err != nil {
		e.metrics.ObserveArbitration("error", string(strategy), 0, e.clock.Since(start))
		return nil, err
	}

	ranking, err := e.ranker.Rank(eval.Candidates, actx)
	if err != nil {
		e.metrics.ObserveArbitration("no_candidate", string(strategy), 0, e.clock.Since(start))
		if de, ok := err.(*services.DomainError); ok {
			de.WithDetail("excluded", eval.Excluded)
		}
		return nil, err
	}

	sel := ranking.Selected
	result = &models.ArbitrationResult{
		DecisionID:   uuid.New(),
		Selected:     sel,
		Fallbacks:    ranking.Fallbacks,
		Candidates:   eval.Candidates,
		CostEstimate: sel.EstimatedCost,
		PerformancePrediction: models.PerformancePrediction{
			ExpectedLatency:    sel.EstimatedLatency,
			SuccessProbability: math.Min(sel.ReliabilityScore/100, 1),
		},
		Timestamp: e.clock.Now().UTC(),
		Factors: models.DecisionFactors{
			Weights:            eval.Weights,
			EvaluatedModels:    eval.Evaluated,
			EligibleModels:     len(eval.Candidates),
			FilteredModels:     len(ranking.Filtered),
			ConstraintsRelaxed: ranking.Relaxed,
			TaskType:           actx.TaskType,
		},
		ExcludedModels: eval.ExcludedIDs(),
		Strategy:       ranking.Strategy,
	}

	if ranking.Relaxed {
		e.logger.Warn("no candidate met business rules, using top ranked",
			zap.String("tenant_id", actx.TenantID),
			zap.Int("returned", len(ranking.Filtered)))
	}

	if err := e.deps.Catalog.RecordDecision(ctx, actx, result); err != nil {
		e.logger.Error("failed to record decision",
			zap.String("decision_id", result.DecisionID.String()),
			zap.Error(err))
	}

	span.SetAttributes(
		attribute.String("selected_model", sel.Model.ID),
		attribute.Float64("final_score", sel.FinalScore),
		attribute.Int("fallbacks", len(result.Fallbacks)),
	)
	e.metrics.ObserveArbitration("selected", string(ranking.Strategy), len(eval.Candidates), e.clock.Since(start))

	e.logger.Debug("arbitration decided",
		zap.String("decision_id", result.DecisionID.String()),
		zap.String("tenant_id", actx.TenantID),
		zap.String("model_id", sel.Model.ID),
		zap.Float64("final_score", sel.FinalScore),
		zap.String("strategy", string(ranking.Strategy)))
	return result, nil
}

// adjustWeights moves the optimizer's boost from cost to reliability
func (e *Engine) adjustWeights(w models.ScoringWeights) models.ScoringWeights {
	e.rulesMu.RLock()
	boost := e.boost
	e.rulesMu.RUnlock()

	if boost <= 0 {
		return w
	}
	shift := math.Min(boost, w.Cost)
	w.Cost -= shift
	w.Reliability += shift
	return w
}

// ReliabilityBoost returns the weight currently moved from cost to reliability
func (e *Engine) ReliabilityBoost() float64 {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.boost
}

// OptimizeRules adjusts the reliability boost from the fallback rate observed
// since the previous run. It returns the boost in effect afterwards.
func (e *Engine) OptimizeRules(ctx context.Context) (float64, error) {
	if e.deps.Outcomes == nil {
		return e.ReliabilityBoost(), nil
	}

	e.rulesMu.RLock()
	since := e.lastOptimized
	e.rulesMu.RUnlock()

	now := e.clock.Now()
	rate, decisions, err := e.deps.Outcomes.FallbackRate(ctx, since)
	if err != nil {
		return e.ReliabilityBoost(), err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.lastOptimized = now

	if decisions < minOptimizeSamples {
		return e.boost, nil
	}

	prev := e.boost
	switch {
	case rate > highFallbackRate:
		e.boost = math.Min(e.boost+boostStep, maxBoost)
	case rate < lowFallbackRate:
		e.boost = math.Max(e.boost-boostStep, 0)
	}
	// avoid float drift around zero after repeated steps
	e.boost = math.Round(e.boost*100) / 100

	if e.boost != prev {
		e.logger.Info("adjusted reliability weight boost",
			zap.Float64("fallback_rate", rate),
			zap.Int("decisions", decisions),
			zap.Float64("previous", prev),
			zap.Float64("boost", e.boost))
	}
	e.metrics.SetReliabilityBoost(e.boost)
	return e.boost, nil
}

// StartOptimizer runs OptimizeRules every interval until ctx is cancelled
func (e *Engine) StartOptimizer(ctx context.Context, interval time.Duration) {
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	e.logger.Info("started rule optimizer", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if _, err := e.OptimizeRules(ctx); err != nil {
				e.logger.Error("rule optimization failed", zap.Error(err))
			}
		case <-ctx.Done():
			e.logger.Info("stopping rule optimizer")
			return
		}
	}
}
