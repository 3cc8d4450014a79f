package arbitration

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/llm-arbiter/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exclusion explains why a model did not become a candidate
type Exclusion struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// Evaluation is the output of one evaluation pass
type Evaluation struct {
	Candidates []models.Candidate
	Excluded   []Exclusion
	Evaluated  int
	Weights    models.ScoringWeights
}

// ExcludedIDs returns the ids of every excluded model
func (e *Evaluation) ExcludedIDs() []string {
	ids := make([]string, 0, len(e.Excluded))
	for _, x := range e.Excluded {
		ids = append(ids, x.ModelID)
	}
	return ids
}

// WeightAdjuster rewrites the scorer's weights before they are applied
type WeightAdjuster func(models.ScoringWeights) models.ScoringWeights

// Evaluator filters the active catalog down to eligible models and scores them
type Evaluator struct {
	catalog    ModelCatalog
	users      UserConstraintSource
	compliance ComplianceChecker
	scorer     Scorer
	adjust     WeightAdjuster
	logger     *zap.Logger
}

// NewEvaluator creates an Evaluator. users and adjust may be nil.
func NewEvaluator(catalog ModelCatalog, users UserConstraintSource, compliance ComplianceChecker, scorer Scorer, adjust WeightAdjuster, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		catalog:    catalog,
		users:      users,
		compliance: compliance,
		scorer:     scorer,
		adjust:     adjust,
		logger:     logger,
	}
}

// Evaluate returns a scored Candidate for every eligible active model.
// A model whose evaluation fails unexpectedly is logged and skipped.
func (e *Evaluator) Evaluate(ctx context.Context, actx models.ArbitrationContext) (*Evaluation, error) {
	catalog, err := e.catalog.GetActiveModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active models: %w", err)
	}

	blocked, err := e.blockedModels(ctx, actx)
	if err != nil {
		return nil, err
	}

	weights := e.weights(actx)
	eval := &Evaluation{
		Candidates: make([]models.Candidate, 0, len(catalog)),
		Evaluated:  len(catalog),
		Weights:    weights,
	}

	health := make(map[string]models.HealthStatus)
	for _, m := range catalog {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reason, err := e.checkEligibility(ctx, m, actx, blocked, health)
		if err == nil && reason == "" {
			var c models.Candidate
			c, err = e.score(ctx, m, actx, weights)
			if err == nil {
				c.ProviderHealth = health[m.ProviderID]
				eval.Candidates = append(eval.Candidates, c)
				continue
			}
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Warn("model evaluation failed, skipping",
				zap.String("model_id", m.ID),
				zap.String("provider_id", m.ProviderID),
				zap.Error(err))
			reason = "evaluation error"
		}
		eval.Excluded = append(eval.Excluded, Exclusion{ModelID: m.ID, Reason: reason})
	}

	e.logger.Debug("evaluated candidates",
		zap.String("tenant_id", actx.TenantID),
		zap.Int("evaluated", eval.Evaluated),
		zap.Int("eligible", len(eval.Candidates)))
	return eval, nil
}

func (e *Evaluator) weights(actx models.ArbitrationContext) models.ScoringWeights {
	w := e.scorer.GetScoringWeights(actx)
	if e.adjust != nil {
		w = e.adjust(w)
	}
	return w
}

// blockedModels merges the user's stored block list with the request's
func (e *Evaluator) blockedModels(ctx context.Context, actx models.ArbitrationContext) (map[string]struct{}, error) {
	blocked := toSet(actx.BlockedModels)
	if e.users == nil || actx.UserID == "" {
		return blocked, nil
	}

	uc, err := e.users.GetUserConstraints(ctx, actx.TenantID, actx.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user constraints: %w", err)
	}
	if uc != nil {
		for _, id := range uc.BlockedModels {
			blocked[id] = struct{}{}
		}
	}
	return blocked, nil
}

// checkEligibility returns a non-empty reason when m is not eligible. Checks
// run in a fixed order and stop at the first failure. Provider health is
// looked up once per provider and kept in health.
func (e *Evaluator) checkEligibility(ctx context.Context, m models.Model, actx models.ArbitrationContext, blocked map[string]struct{}, health map[string]models.HealthStatus) (string, error) {
	if actx.MinIntelligenceScore > 0 && m.IntelligenceScore < actx.MinIntelligenceScore {
		return fmt.Sprintf("intelligence %.1f below minimum %.1f", m.IntelligenceScore, actx.MinIntelligenceScore), nil
	}
	if actx.MinContextLength > 0 && m.MaxContextTokens < actx.MinContextLength {
		return fmt.Sprintf("context window %d below minimum %d", m.MaxContextTokens, actx.MinContextLength), nil
	}

	if _, ok := blocked[m.ID]; ok {
		return "model blocked", nil
	}
	if contains(actx.BlockedProviders, m.ProviderID) {
		return "provider blocked", nil
	}
	if len(actx.AllowedModels) > 0 && !contains(actx.AllowedModels, m.ID) {
		return "model not in allow list", nil
	}
	if len(actx.AllowedProviders) > 0 && !contains(actx.AllowedProviders, m.ProviderID) {
		return "provider not in allow list", nil
	}

	status, ok := health[m.ProviderID]
	if !ok {
		var err error
		status, err = e.catalog.GetProviderHealth(ctx, m.ProviderID)
		if err != nil {
			return "", fmt.Errorf("provider health: %w", err)
		}
		health[m.ProviderID] = status
	}
	if status != models.HealthHealthy {
		return "provider " + string(status), nil
	}

	result, err := e.compliance.CheckModelCompliance(ctx, m, actx)
	if err != nil {
		return "", fmt.Errorf("compliance check: %w", err)
	}
	if !result.IsCompliant {
		return "non-compliant: " + strings.Join(result.Violations, "; "), nil
	}

	for _, req := range actx.RequiredCapabilities {
		if !m.HasCapability(req.Capability, req.MinScore) {
			return fmt.Sprintf("capability %s below %.1f", req.Capability, req.MinScore), nil
		}
	}
	return "", nil
}

// score gathers the six independent factor figures concurrently and combines them
func (e *Evaluator) score(ctx context.Context, m models.Model, actx models.ArbitrationContext, w models.ScoringWeights) (models.Candidate, error) {
	c := models.Candidate{Model: m}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		c.PerformanceScore, err = e.scorer.CalculatePerformanceScore(gctx, m, actx)
		return err
	})
	g.Go(func() (err error) {
		c.CostScore, err = e.scorer.CalculateCostScore(gctx, m, actx)
		return err
	})
	g.Go(func() (err error) {
		c.ComplianceScore, err = e.scorer.CalculateComplianceScore(gctx, m, actx)
		return err
	})
	g.Go(func() (err error) {
		c.ReliabilityScore, err = e.scorer.CalculateReliabilityScore(gctx, m, actx)
		return err
	})
	g.Go(func() (err error) {
		c.EstimatedLatency, err = e.scorer.EstimateLatency(gctx, m, actx)
		return err
	})
	g.Go(func() (err error) {
		c.EstimatedCost, err = e.scorer.CalculateExpectedCost(gctx, m, actx)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.Candidate{}, fmt.Errorf("scoring: %w", err)
	}

	c.FinalScore = models.FinalScore(c.PerformanceScore, c.CostScore, c.ComplianceScore, c.ReliabilityScore, w)
	c.ValueScore = models.ValueScore(m.IntelligenceScore, c.EstimatedCost)
	return c, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
