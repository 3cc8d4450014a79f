package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-arbiter/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ModelRepository reads and maintains the model catalog
type ModelRepository interface {
	// ListActive returns every active model ordered by id
	ListActive(ctx context.Context) ([]models.Model, error)

	// GetByID retrieves a model by ID
	GetByID(ctx context.Context, id string) (*models.Model, error)

	// Upsert inserts or replaces a model
	Upsert(ctx context.Context, model *models.Model) error

	// SetActive toggles whether a model is routable
	SetActive(ctx context.Context, id string, active bool) error
}

// DecisionRepository persists arbitration decisions and failed attempts
type DecisionRepository interface {
	// Insert stores a decision
	Insert(ctx context.Context, record *models.DecisionRecord) error

	// InsertFailure stores a failed execution attempt
	InsertFailure(ctx context.Context, record *models.FailureRecord) error

	// GetByID retrieves a decision by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error)

	// FallbackStats counts decisions since a point in time and how many of them saw a failure
	FallbackStats(ctx context.Context, since time.Time) (decisions int, withFailures int, err error)
}

// UserConstraintRepository reads per-user restrictions
type UserConstraintRepository interface {
	// GetByUser returns the user's constraints, empty when none are stored
	GetByUser(ctx context.Context, tenantID, userID string) (*models.UserConstraints, error)
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// GetByTenant retrieves audit logs for a tenant with pagination
	GetByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditLog, error)

	// GetByAction retrieves audit logs by action type
	GetByAction(ctx context.Context, tenantID string, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error)

	// GetByRequestID retrieves audit logs by request ID
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditLog, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// BudgetLimits are the configured spend limits of a tenant
type BudgetLimits struct {
	TenantID       string  `json:"tenant_id"`
	DailyLimit     float64 `json:"daily_limit"`
	MonthlyLimit   float64 `json:"monthly_limit"`
	AlertThreshold float64 `json:"alert_threshold"`
}

// BudgetRepository tracks spend per scope and period
type BudgetRepository interface {
	// GetLimits returns the tenant's limits, zero values when none are configured
	GetLimits(ctx context.Context, tenantID string) (*BudgetLimits, error)

	// GetPeriodSpend returns the accumulated spend of a scope in a period
	GetPeriodSpend(ctx context.Context, scopeKey, periodKey string) (float64, error)

	// AddSpend adds cost to a scope's period total
	AddSpend(ctx context.Context, scopeKey, periodKey string, cost float64) error

	// InsertUsage stores one usage record
	InsertUsage(ctx context.Context, record *models.UsageRecord) error

	// DeleteBefore removes totals and usage older than cutoff
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) BudgetRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Models          ModelRepository
	Decisions       DecisionRepository
	UserConstraints UserConstraintRepository
	AuditLogs       AuditRepository
	Budgets         BudgetRepository
}
