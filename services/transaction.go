package services

import (
	"context"
	"fmt"

	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/multierr"
)

// WithTransaction runs fn as one unit of work, e.g. booking a usage record
// together with the spend counters it moves. fn's error rolls the
// transaction back and is returned with any rollback error appended. A panic
// in fn rolls back before it propagates.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := txMgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
