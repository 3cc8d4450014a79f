package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

// ErrModelNotFound is returned when no catalog row matches
var ErrModelNotFound = errors.New("model not found")

const modelColumns = `id, provider_id, name, input_cost_per_million, output_cost_per_million,
		       max_context_tokens, intelligence_score, capabilities, tier,
		       supported_regions, encrypts_at_rest, active, updated_at`

// ModelRepository implements the repositories.ModelRepository interface
type ModelRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewModelRepository creates a new model repository
func NewModelRepository(db *DB, logger *zap.Logger) repositories.ModelRepository {
	return &ModelRepository{
		db:     db,
		logger: logger,
	}
}

// ListActive returns every active model ordered by id
func (r *ModelRepository) ListActive(ctx context.Context) ([]models.Model, error) {
	query := `SELECT ` + modelColumns + `
		FROM models
		WHERE active = true
		ORDER BY id
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model rows: %w", err)
	}

	return out, nil
}

// GetByID retrieves a model by ID
func (r *ModelRepository) GetByID(ctx context.Context, id string) (*models.Model, error) {
	query := `SELECT ` + modelColumns + `
		FROM models
		WHERE id = $1
	`

	m, err := scanModel(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, err
}

// Upsert inserts or replaces a model
func (r *ModelRepository) Upsert(ctx context.Context, m *models.Model) error {
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO models (
			id, provider_id, name, input_cost_per_million, output_cost_per_million,
			max_context_tokens, intelligence_score, capabilities, tier,
			supported_regions, encrypts_at_rest, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			name = EXCLUDED.name,
			input_cost_per_million = EXCLUDED.input_cost_per_million,
			output_cost_per_million = EXCLUDED.output_cost_per_million,
			max_context_tokens = EXCLUDED.max_context_tokens,
			intelligence_score = EXCLUDED.intelligence_score,
			capabilities = EXCLUDED.capabilities,
			tier = EXCLUDED.tier,
			supported_regions = EXCLUDED.supported_regions,
			encrypts_at_rest = EXCLUDED.encrypts_at_rest,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = GetExecutor(ctx, r.db).ExecContext(ctx, query,
		m.ID,
		m.ProviderID,
		m.Name,
		m.InputCostPerMillion,
		m.OutputCostPerMillion,
		m.MaxContextTokens,
		m.IntelligenceScore,
		caps,
		m.Tier,
		pq.Array(m.SupportedRegions),
		m.EncryptsAtRest,
		m.Active,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}

	r.logger.Debug("model upserted", zap.String("id", m.ID))
	return nil
}

// SetActive toggles whether a model is routable
func (r *ModelRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE models SET active = $2, updated_at = $3 WHERE id = $1`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (*models.Model, error) {
	var (
		m       models.Model
		caps    []byte
		regions pq.StringArray
	)
	err := row.Scan(
		&m.ID,
		&m.ProviderID,
		&m.Name,
		&m.InputCostPerMillion,
		&m.OutputCostPerMillion,
		&m.MaxContextTokens,
		&m.IntelligenceScore,
		&caps,
		&m.Tier,
		&regions,
		&m.EncryptsAtRest,
		&m.Active,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}

	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &m.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities for %s: %w", m.ID, err)
		}
	}
	m.SupportedRegions = []string(regions)
	return &m, nil
}
