package postgres

import (
	"context"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrator runs schema migrations, each in its own transaction.
type Migrator struct {
	db *pgxpool.Pool
}

// NewMigrator creates a migrator over db.
func NewMigrator(db *pgxpool.Pool) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) EnsureSchemaMigrationsTable(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum    TEXT,
			applied_by  TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("EnsureSchemaMigrationsTable: %w", err)
	}
	return nil
}

func (m *Migrator) AppliedMigrations(ctx context.Context) ([]migrations.AppliedMigration, error) {
	rows, err := m.db.Query(ctx, `
		SELECT version, name, applied_at, COALESCE(checksum, ''), COALESCE(applied_by, '')
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: %w", err)
	}
	defer rows.Close()

	var applied []migrations.AppliedMigration
	for rows.Next() {
		var am migrations.AppliedMigration
		if err := rows.Scan(&am.Version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy); err != nil {
			return nil, fmt.Errorf("AppliedMigrations: scan: %w", err)
		}
		applied = append(applied, am)
	}
	return applied, rows.Err()
}

// Apply executes the migration and records it in one transaction, so a
// failing file leaves no trace.
func (m *Migrator) Apply(ctx context.Context, mig migrations.Migration, appliedBy string) error {
	return pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("executing: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO schema_migrations (version, name, checksum, applied_by)
			VALUES ($1, $2, $3, $4)
		`, mig.Version, mig.Name, mig.Checksum, appliedBy)
		if err != nil {
			return fmt.Errorf("recording: %w", err)
		}
		return nil
	})
}

// Ensure Migrator implements migrations.Backend.
var _ migrations.Backend = (*Migrator)(nil)
