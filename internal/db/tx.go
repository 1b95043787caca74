package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTx executes the given function within a transaction.
// If the function returns an error, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
func WithTx(ctx context.Context, conn *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NextRunSequence atomically consumes and returns the next event sequence
// for a run. The increment happens in the same statement as the read so
// concurrent callers each observe a distinct value.
func NextRunSequence(ctx context.Context, tx *sqlx.Tx, runID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		UPDATE runs SET next_sequence = next_sequence + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING next_sequence - 1
	`), runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence for run %s: %w", runID, err)
	}
	return seq, nil
}
