package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

// BudgetRepository implements the repositories.BudgetRepository interface
type BudgetRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewBudgetRepository creates a new budget repository
func NewBudgetRepository(db *DB, logger *zap.Logger) repositories.BudgetRepository {
	return &BudgetRepository{
		db:     db,
		logger: logger,
	}
}

// GetLimits returns the tenant's limits, zero values when none are configured
func (r *BudgetRepository) GetLimits(ctx context.Context, tenantID string) (*repositories.BudgetLimits, error) {
	query := `
		SELECT daily_limit, monthly_limit, alert_threshold
		FROM tenant_budgets
		WHERE tenant_id = $1
	`

	limits := &repositories.BudgetLimits{TenantID: tenantID}
	err := boundExecutor(ctx, r.db, r.tx).QueryRowContext(ctx, query, tenantID).Scan(
		&limits.DailyLimit,
		&limits.MonthlyLimit,
		&limits.AlertThreshold,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return limits, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget limits: %w", err)
	}
	return limits, nil
}

// GetPeriodSpend returns the accumulated spend of a scope in a period
func (r *BudgetRepository) GetPeriodSpend(ctx context.Context, scopeKey, periodKey string) (float64, error) {
	query := `
		SELECT COALESCE(total_cost, 0)
		FROM budget_tracking
		WHERE scope_key = $1 AND period_key = $2
	`

	var totalCost float64
	err := boundExecutor(ctx, r.db, r.tx).QueryRowContext(ctx, query, scopeKey, periodKey).Scan(&totalCost)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query budget: %w", err)
	}
	return totalCost, nil
}

// AddSpend adds cost to a scope's period total
func (r *BudgetRepository) AddSpend(ctx context.Context, scopeKey, periodKey string, cost float64) error {
	query := `
		INSERT INTO budget_tracking (scope_key, period_key, total_cost, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope_key, period_key)
		DO UPDATE SET
			total_cost = budget_tracking.total_cost + EXCLUDED.total_cost,
			updated_at = EXCLUDED.updated_at
	`

	_, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query, scopeKey, periodKey, cost, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert cost: %w", err)
	}
	return nil
}

// InsertUsage stores one usage record
func (r *BudgetRepository) InsertUsage(ctx context.Context, u *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, tenant_id, project_id, user_id, request_id, model_id, provider_id,
			input_tokens, output_tokens, cost, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query,
		u.ID,
		u.TenantID,
		u.ProjectID,
		u.UserID,
		u.RequestID,
		u.ModelID,
		u.ProviderID,
		u.InputTokens,
		u.OutputTokens,
		u.Cost,
		u.LatencyMs,
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// DeleteBefore removes totals and usage older than cutoff
func (r *BudgetRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	exec := boundExecutor(ctx, r.db, r.tx)

	res, err := exec.ExecContext(ctx, `DELETE FROM budget_tracking WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup budget totals: %w", err)
	}
	totals, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	res, err = exec.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup usage records: %w", err)
	}
	usage, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return totals + usage, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *BudgetRepository) WithTx(tx repositories.Transaction) repositories.BudgetRepository {
	return &BudgetRepository{
		db:     r.db,
		tx:     sqlTx(tx),
		logger: r.logger,
	}
}
