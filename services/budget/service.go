package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"github.com/upb/llm-arbiter/services"
	"go.uber.org/zap"
)

// BudgetPeriod represents the time period for budget tracking
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
)

// BudgetService tracks spend per tenant and project against tenant limits
type BudgetService struct {
	repo   repositories.BudgetRepository
	txMgr  repositories.TransactionManager
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a BudgetService
type Option func(*BudgetService)

// WithClock overrides the clock used for period keys
func WithClock(c clock.Clock) Option {
	return func(s *BudgetService) { s.clock = c }
}

// NewBudgetService creates a new BudgetService instance
func NewBudgetService(repo repositories.BudgetRepository, txMgr repositories.TransactionManager, logger *zap.Logger, opts ...Option) *BudgetService {
	s := &BudgetService{
		repo:   repo,
		txMgr:  txMgr,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBudgetStatus returns the tenant's current spend and limits
func (s *BudgetService) GetBudgetStatus(ctx context.Context, actx models.ArbitrationContext) (*models.BudgetStatus, error) {
	limits, err := s.repo.GetLimits(ctx, actx.TenantID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	scope := tenantScope(actx.TenantID)

	daily, err := s.repo.GetPeriodSpend(ctx, scope, periodKey(now, PeriodDaily))
	if err != nil {
		return nil, fmt.Errorf("failed to get daily spend: %w", err)
	}
	monthly, err := s.repo.GetPeriodSpend(ctx, scope, periodKey(now, PeriodMonthly))
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly spend: %w", err)
	}

	return &models.BudgetStatus{
		DailySpend:     daily,
		DailyLimit:     limits.DailyLimit,
		MonthlySpend:   monthly,
		MonthlyLimit:   limits.MonthlyLimit,
		AlertThreshold: limits.AlertThreshold,
	}, nil
}

// CheckBudget rejects a request whose estimated cost would exceed a limit.
// Failing to read the budget admits the request.
func (s *BudgetService) CheckBudget(ctx context.Context, actx models.ArbitrationContext, cost float64) error {
	status, err := s.GetBudgetStatus(ctx, actx)
	if err != nil {
		s.logger.Warn("budget check failed, admitting request",
			zap.String("tenant_id", actx.TenantID),
			zap.Error(err))
		return nil
	}

	if status.CanMakeRequest(cost) {
		return nil
	}

	return services.NewDomainError(services.ErrorTypeBudget,
		fmt.Sprintf("request would exceed budget (daily %.4f/%.4f, monthly %.4f/%.4f, request %.4f)",
			status.DailySpend, status.DailyLimit, status.MonthlySpend, status.MonthlyLimit, cost), nil).
		WithDetail("tenant_id", actx.TenantID).
		WithDetail("estimated_cost", cost)
}

// RecordUsage adds the cost to the tenant and project totals and stores the usage record
func (s *BudgetService) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	now := s.clock.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	scopes := []string{tenantScope(record.TenantID)}
	if record.ProjectID != "" {
		scopes = append(scopes, projectScope(record.TenantID, record.ProjectID))
	}

	return services.WithTransaction(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.repo.WithTx(tx)
		for _, scope := range scopes {
			for _, period := range []BudgetPeriod{PeriodDaily, PeriodMonthly} {
				if err := repo.AddSpend(ctx, scope, periodKey(now, period), record.Cost); err != nil {
					return fmt.Errorf("failed to record %s cost: %w", period, err)
				}
			}
		}
		return repo.InsertUsage(ctx, record)
	})
}

// SpendSummary represents spending for one scope
type SpendSummary struct {
	Scope        string  `json:"scope"`
	DailySpend   float64 `json:"daily_spend"`
	MonthlySpend float64 `json:"monthly_spend"`
}

// GetSpendSummary returns spending for a tenant, or a project when projectID is set
func (s *BudgetService) GetSpendSummary(ctx context.Context, tenantID, projectID string) (*SpendSummary, error) {
	scope := tenantScope(tenantID)
	if projectID != "" {
		scope = projectScope(tenantID, projectID)
	}
	now := s.clock.Now().UTC()

	summary := &SpendSummary{Scope: scope}
	var err error
	if summary.DailySpend, err = s.repo.GetPeriodSpend(ctx, scope, periodKey(now, PeriodDaily)); err != nil {
		return nil, fmt.Errorf("failed to get daily spend: %w", err)
	}
	if summary.MonthlySpend, err = s.repo.GetPeriodSpend(ctx, scope, periodKey(now, PeriodMonthly)); err != nil {
		return nil, fmt.Errorf("failed to get monthly spend: %w", err)
	}
	return summary, nil
}

// CleanupOldData removes old budget tracking data
func (s *BudgetService) CleanupOldData(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)

	n, err := s.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old budget data: %w", err)
	}

	s.logger.Info("cleaned up old budget data",
		zap.Int64("rows_deleted", n),
		zap.Time("cutoff_date", cutoff))
	return n, nil
}

// StartCleanupWorker starts a background worker to periodically clean up old data
func (s *BudgetService) StartCleanupWorker(ctx context.Context, interval time.Duration, retention time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	s.logger.Info("started budget cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupOldData(ctx, retention); err != nil {
				s.logger.Error("failed to cleanup old budget data", zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("stopping budget cleanup worker")
			return
		}
	}
}

func tenantScope(tenantID string) string {
	return "tenant:" + tenantID
}

func projectScope(tenantID, projectID string) string {
	return "tenant:" + tenantID + ":project:" + projectID
}

// periodKey returns a unique key for a time period
func periodKey(now time.Time, period BudgetPeriod) string {
	switch period {
	case PeriodMonthly:
		return now.Format("2006-01")
	default:
		return now.Format("2006-01-02")
	}
}
