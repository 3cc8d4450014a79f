package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

// UserConstraintRepository implements the repositories.UserConstraintRepository interface
type UserConstraintRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUserConstraintRepository creates a new user constraint repository
func NewUserConstraintRepository(db *DB, logger *zap.Logger) repositories.UserConstraintRepository {
	return &UserConstraintRepository{
		db:     db,
		logger: logger,
	}
}

// GetByUser returns the user's constraints, empty when none are stored
func (r *UserConstraintRepository) GetByUser(ctx context.Context, tenantID, userID string) (*models.UserConstraints, error) {
	query := `
		SELECT blocked_models
		FROM user_constraints
		WHERE tenant_id = $1 AND user_id = $2
	`

	var blocked pq.StringArray
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, tenantID, userID).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.UserConstraints{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user constraints: %w", err)
	}

	return &models.UserConstraints{UserID: userID, BlockedModels: []string(blocked)}, nil
}
