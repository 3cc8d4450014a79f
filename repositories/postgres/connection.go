package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/llm-arbiter/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

const schema = `
	-- Model catalog
	CREATE TABLE IF NOT EXISTS models (
		id VARCHAR(255) PRIMARY KEY,
		provider_id VARCHAR(100) NOT NULL,
		name VARCHAR(255) NOT NULL,
		input_cost_per_million DOUBLE PRECISION NOT NULL DEFAULT 0,
		output_cost_per_million DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_context_tokens INTEGER NOT NULL DEFAULT 0,
		intelligence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		capabilities JSONB NOT NULL DEFAULT '{}',
		tier VARCHAR(20) NOT NULL DEFAULT 'standard',
		supported_regions TEXT[] NOT NULL DEFAULT '{}',
		encrypts_at_rest BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Per-user restrictions
	CREATE TABLE IF NOT EXISTS user_constraints (
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		blocked_models TEXT[] NOT NULL DEFAULT '{}',
		PRIMARY KEY (tenant_id, user_id)
	);

	-- Arbitration decisions and failed attempts
	CREATE TABLE IF NOT EXISTS arbitration_decisions (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		project_id VARCHAR(255),
		user_id VARCHAR(255),
		selected_model VARCHAR(255) NOT NULL,
		fallback_models TEXT[] NOT NULL DEFAULT '{}',
		strategy VARCHAR(50) NOT NULL,
		final_score DOUBLE PRECISION NOT NULL,
		estimated_cost DOUBLE PRECISION NOT NULL,
		factors JSONB,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS arbitration_failures (
		id UUID PRIMARY KEY,
		decision_id UUID NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		request_id VARCHAR(255),
		model_id VARCHAR(255) NOT NULL,
		provider_id VARCHAR(100) NOT NULL,
		attempt INTEGER NOT NULL,
		error TEXT,
		elapsed_ms BIGINT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Budgets
	CREATE TABLE IF NOT EXISTS tenant_budgets (
		tenant_id VARCHAR(255) PRIMARY KEY,
		daily_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
		monthly_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
		alert_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.8
	);

	CREATE TABLE IF NOT EXISTS budget_tracking (
		scope_key VARCHAR(512) NOT NULL,
		period_key VARCHAR(20) NOT NULL,
		total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (scope_key, period_key)
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		project_id VARCHAR(255),
		user_id VARCHAR(255),
		request_id VARCHAR(255),
		model_id VARCHAR(255) NOT NULL,
		provider_id VARCHAR(100) NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms BIGINT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Audit logs
	CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		project_id VARCHAR(255),
		user_id VARCHAR(255),
		action VARCHAR(100) NOT NULL,
		request_id VARCHAR(255),
		decision_id UUID,
		details JSONB,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		model VARCHAR(255),
		provider VARCHAR(100),
		tokens_used INTEGER,
		cost DOUBLE PRECISION,
		latency_ms BIGINT,
		error_message TEXT
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_models_active ON models(active);
	CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON arbitration_decisions(created_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_tenant_id ON arbitration_decisions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_failures_decision_id ON arbitration_failures(decision_id);
	CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_id ON usage_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_usage_records_created_at ON usage_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_id ON audit_logs(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_request_id ON audit_logs(request_id);
`
