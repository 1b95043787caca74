package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/logger"
)

// Migrate applies all pending migrations in version order. Already-applied
// versions are skipped; applying out of order or re-applying is an error
// surfaced to the caller rather than silently repaired.
func Migrate(ctx context.Context, conn *sqlx.DB, log *logger.Logger) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := conn.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range Migrations(conn.DriverName()) {
		if m.Version <= current {
			continue
		}
		err := WithTx(ctx, conn, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				m.Version, m.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
		if log != nil {
			log.Info("applied migration",
				zap.Int("version", m.Version),
				zap.String("name", m.Name))
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, conn *sqlx.DB) (int, error) {
	var v int
	err := conn.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	return v, err
}
