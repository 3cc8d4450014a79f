package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, tenant_id, project_id, user_id, action, request_id, decision_id,
		       details, timestamp, model, provider, tokens_used, cost, latency_ms, error_message`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, tenant_id, project_id, user_id, action, request_id, decision_id,
			details, timestamp, model, provider, tokens_used, cost, latency_ms, error_message
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	var details interface{}
	if len(log.Details) > 0 {
		details = []byte(log.Details)
	}

	_, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query,
		log.ID,
		log.TenantID,
		log.ProjectID,
		log.UserID,
		log.Action,
		log.RequestID,
		log.DecisionID,
		details,
		log.Timestamp,
		log.Model,
		log.Provider,
		log.TokensUsed,
		log.Cost,
		log.LatencyMs,
		log.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// GetByTenant retrieves audit logs for a tenant with pagination
func (r *AuditRepository) GetByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE tenant_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	return r.queryAuditLogs(ctx, query, tenantID, limit, offset)
}

// GetByAction retrieves audit logs by action type
func (r *AuditRepository) GetByAction(ctx context.Context, tenantID string, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE tenant_id = $1 AND action = $2
		ORDER BY timestamp DESC
		LIMIT $3 OFFSET $4
	`

	return r.queryAuditLogs(ctx, query, tenantID, action, limit, offset)
}

// GetByRequestID retrieves audit logs by request ID
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`

	return r.queryAuditLogs(ctx, query, requestID)
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return &AuditRepository{
		db:     r.db,
		tx:     sqlTx(tx),
		logger: r.logger,
	}
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLog, error) {
	rows, err := boundExecutor(ctx, r.db, r.tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var details []byte
		err := rows.Scan(
			&log.ID,
			&log.TenantID,
			&log.ProjectID,
			&log.UserID,
			&log.Action,
			&log.RequestID,
			&log.DecisionID,
			&details,
			&log.Timestamp,
			&log.Model,
			&log.Provider,
			&log.TokensUsed,
			&log.Cost,
			&log.LatencyMs,
			&log.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Details = details
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// AsyncInsert inserts an audit log entry asynchronously
func (r *AuditRepository) AsyncInsert(log *models.AuditLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := r.Insert(ctx, log); err != nil {
			r.logger.Error("failed to async insert audit log",
				zap.Error(err),
				zap.String("id", log.ID.String()),
				zap.String("action", string(log.Action)),
			)
		}
	}()
}
