package arbitration

import (
	"context"
	"time"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services/providers"
)

// ModelCatalog publishes routable models and records outcomes against them
type ModelCatalog interface {
	GetActiveModels(ctx context.Context) ([]models.Model, error)
	GetProviderHealth(ctx context.Context, providerID string) (models.HealthStatus, error)
	RecordPerformance(ctx context.Context, modelID, providerID string, latency time.Duration, success bool) error
	RecordDecision(ctx context.Context, actx models.ArbitrationContext, result *models.ArbitrationResult) error
	RecordFailure(ctx context.Context, record *models.FailureRecord) error
}

// UserConstraintSource returns restrictions attached to a user outside the request
type UserConstraintSource interface {
	GetUserConstraints(ctx context.Context, tenantID, userID string) (*models.UserConstraints, error)
}

// ComplianceChecker evaluates models and concrete requests against tenant rules
type ComplianceChecker interface {
	CheckModelCompliance(ctx context.Context, m models.Model, actx models.ArbitrationContext) (*models.ComplianceResult, error)
	CheckRequestCompliance(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (*models.ComplianceResult, error)
}

// Scorer produces the per-factor scores and predictions for one model
type Scorer interface {
	CalculatePerformanceScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error)
	CalculateCostScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error)
	CalculateComplianceScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error)
	CalculateReliabilityScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error)
	EstimateLatency(ctx context.Context, m models.Model, actx models.ArbitrationContext) (time.Duration, error)
	CalculateExpectedCost(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error)
	GetScoringWeights(actx models.ArbitrationContext) models.ScoringWeights
}

// CircuitBreaker runs op under the breaker identified by key
type CircuitBreaker interface {
	Execute(ctx context.Context, key string, op func(context.Context) error) error
}

// AdapterSource resolves provider adapters by provider id
type AdapterSource interface {
	GetProvider(name string) (providers.Provider, error)
	GetStreamingProvider(name string) (providers.StreamingProvider, error)
}

// CostTracker records spend and reports budget state
type CostTracker interface {
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
	GetBudgetStatus(ctx context.Context, actx models.ArbitrationContext) (*models.BudgetStatus, error)
}

// RateLimiter is the admission control gate
type RateLimiter interface {
	Check(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error)
	Headroom(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error)
	Record(ctx context.Context, identifier string, limitType models.LimitType, n int) error
}

// AuditLogger accepts audit entries without blocking the caller
type AuditLogger interface {
	Log(ctx context.Context, entry *models.AuditLog) error
}

// OutcomeSource reports how often executions needed a fallback
type OutcomeSource interface {
	FallbackRate(ctx context.Context, since time.Time) (rate float64, decisions int, err error)
}
