package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

type txKey struct{}

// Executor is satisfied by both *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager returns a manager that opens transactions on db.
// Repositories called with the context handed to InTransaction join the
// open transaction automatically.
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	return &txManager{db: db, logger: logger}
}

func (m *txManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx, ctx: ctx, logger: m.logger}, nil
}

func (m *txManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("rollback after failed unit of work",
				zap.Error(rbErr),
				zap.NamedError("cause", err),
			)
		}
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx     *sql.Tx
	ctx    context.Context
	logger *zap.Logger
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback is a no-op on a transaction that already finished.
func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return fmt.Errorf("rollback transaction: %w", err)
}

func (t *pgTx) Context() context.Context { return t.ctx }

// GetExecutor returns the transaction stored in ctx by InTransaction, or the pool.
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx := sqlTx(txFromContext(ctx)); tx != nil {
		return tx
	}
	return db.DB
}

func txFromContext(ctx context.Context) repositories.Transaction {
	tx, _ := ctx.Value(txKey{}).(repositories.Transaction)
	return tx
}

// boundExecutor prefers a transaction bound with WithTx over the context
func boundExecutor(ctx context.Context, db *DB, bound *sql.Tx) Executor {
	if bound != nil {
		return bound
	}
	return GetExecutor(ctx, db)
}

func sqlTx(tx repositories.Transaction) *sql.Tx {
	if t, ok := tx.(*pgTx); ok {
		return t.tx
	}
	return nil
}
