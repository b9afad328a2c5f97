package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
)

// Migration is one schema change. The SQL must run unchanged on both
// PostgreSQL and SQLite.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationStatus summarises the applied schema version.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        int
}

func (s MigrationStatus) UpToDate() bool {
	return s.Pending == 0
}

// MigrationRunner applies migrations and records them in schema_migrations.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log.WithComponent("migrations"),
	}
}

// GetAllMigrations returns all migrations in version order.
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create saved_scans table",
			Up: `
				CREATE TABLE IF NOT EXISTS saved_scans (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					url TEXT NOT NULL,
					scanned_at TIMESTAMP NOT NULL,
					risk_score INTEGER NOT NULL,
					total_vulnerabilities INTEGER NOT NULL,
					data TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (user_id, url, scanned_at)
				);
				CREATE INDEX IF NOT EXISTS idx_saved_scans_user_created ON saved_scans(user_id, created_at);
			`,
			Down: `DROP TABLE IF EXISTS saved_scans;`,
		},
		{
			Version:     2,
			Description: "Create user_plans table",
			Up: `
				CREATE TABLE IF NOT EXISTS user_plans (
					user_id TEXT PRIMARY KEY,
					plan TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
			Down: `DROP TABLE IF EXISTS user_plans;`,
		},
		{
			Version:     3,
			Description: "Index saved_scans by url for site counting",
			Up:          `CREATE INDEX IF NOT EXISTS idx_saved_scans_user_url ON saved_scans(user_id, url);`,
			Down:        `DROP INDEX IF EXISTS idx_saved_scans_user_url;`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies every pending migration, each in its own transaction.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range GetAllMigrations() {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		pending++
	}

	if pending == 0 {
		mr.log.Debugw("Database schema is up to date")
		return nil
	}
	mr.log.Infow("Migrations applied", "migrations_applied", pending)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed", "version", m.Version, "error", err)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	record := tx.Rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, record, m.Version, m.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (MigrationStatus, error) {
	var status MigrationStatus
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return status, err
	}
	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return status, err
	}

	for _, m := range GetAllMigrations() {
		status.LatestVersion = max(status.LatestVersion, m.Version)
		if applied[m.Version] {
			status.CurrentVersion = max(status.CurrentVersion, m.Version)
		} else {
			status.Pending++
		}
	}
	return status, nil
}

// RollbackMigration reverts one applied migration.
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			migration = &m
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	mr.log.Warnw("Rolling back migration", "version", version)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	return nil
}
