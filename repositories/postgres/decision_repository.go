package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

// DecisionRepository implements the repositories.DecisionRepository interface
type DecisionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, logger *zap.Logger) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores a decision
func (r *DecisionRepository) Insert(ctx context.Context, d *models.DecisionRecord) error {
	query := `
		INSERT INTO arbitration_decisions (
			id, tenant_id, project_id, user_id, selected_model, fallback_models,
			strategy, final_score, estimated_cost, factors, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		d.ID,
		d.TenantID,
		d.ProjectID,
		d.UserID,
		d.SelectedModel,
		pq.Array(d.FallbackModels),
		d.Strategy,
		d.FinalScore,
		d.EstimatedCost,
		[]byte(d.Factors),
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	r.logger.Debug("decision inserted", zap.String("id", d.ID.String()), zap.String("model", d.SelectedModel))
	return nil
}

// InsertFailure stores a failed execution attempt
func (r *DecisionRepository) InsertFailure(ctx context.Context, f *models.FailureRecord) error {
	query := `
		INSERT INTO arbitration_failures (
			id, decision_id, tenant_id, request_id, model_id, provider_id,
			attempt, error, elapsed_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		f.ID,
		f.DecisionID,
		f.TenantID,
		f.RequestID,
		f.ModelID,
		f.ProviderID,
		f.Attempt,
		f.Error,
		f.ElapsedMs,
		f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failure: %w", err)
	}
	return nil
}

// GetByID retrieves a decision by ID
func (r *DecisionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error) {
	query := `
		SELECT id, tenant_id, project_id, user_id, selected_model, fallback_models,
		       strategy, final_score, estimated_cost, factors, created_at
		FROM arbitration_decisions
		WHERE id = $1
	`

	var (
		d         models.DecisionRecord
		fallbacks pq.StringArray
		factors   []byte
	)
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.TenantID,
		&d.ProjectID,
		&d.UserID,
		&d.SelectedModel,
		&fallbacks,
		&d.Strategy,
		&d.FinalScore,
		&d.EstimatedCost,
		&factors,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("decision not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}

	d.FallbackModels = []string(fallbacks)
	d.Factors = factors
	return &d, nil
}

// FallbackStats counts decisions since a point in time and how many of them saw a failure
func (r *DecisionRepository) FallbackStats(ctx context.Context, since time.Time) (int, int, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE EXISTS (
		           SELECT 1 FROM arbitration_failures f WHERE f.decision_id = d.id
		       ))
		FROM arbitration_decisions d
		WHERE d.created_at >= $1
	`

	var decisions, withFailures int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, since).Scan(&decisions, &withFailures); err != nil {
		return 0, 0, fmt.Errorf("failed to query fallback stats: %w", err)
	}
	return decisions, withFailures, nil
}
