package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the saved-report database schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	Long: `Apply every pending schema migration in order.

The database is selected with --db-driver and --db-dsn, the
WPSCAN_DATABASE_DSN or DATABASE_URL environment variables, or the
database section of the config file. "wpscan serve" also migrates on start.`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Rollback a specific migration",
	Long: `Rollback a specific migration version.

Warning: This will undo changes made by the migration. Use with caution.`,
	Args: cobra.ExactArgs(1),
	RunE: runDBRollback,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)

	dbRollbackCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	log.Infow("Starting database migration", "component", "db_migrate")

	store, err := database.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	if err := store.Migrations().RunMigrations(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Infow("Database migration completed successfully", "component", "db_migrate")
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	store, err := database.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	status, err := store.Migrations().GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Println("Database Migration Status")
	fmt.Println("=========================")
	fmt.Printf("Driver:           %s\n", cfg.Database.Driver)
	fmt.Printf("Current Version:  %d\n", status.CurrentVersion)
	fmt.Printf("Latest Version:   %d\n", status.LatestVersion)
	fmt.Printf("Pending:          %d migrations\n", status.Pending)

	if status.UpToDate() {
		fmt.Println("\nStatus: Database is up to date")
	} else {
		fmt.Println("\nStatus: Pending migrations need to be applied")
		fmt.Println("\nRun 'wpscan db migrate' to apply pending migrations")
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil || version < 1 {
		return fmt.Errorf("invalid version number: %s", args[0])
	}

	log.Warnw("Rolling back database migration",
		"component", "db_rollback",
		"version", version,
	)

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		fmt.Printf("WARNING: You are about to rollback migration version %d\n", version)
		fmt.Printf("This will undo changes made by this migration.\n")
		fmt.Printf("\nPress Enter to continue or Ctrl+C to cancel...")
		bufio.NewReader(os.Stdin).ReadString('\n')
	}

	store, err := database.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := store.Migrations().RollbackMigration(ctx, version); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	log.Infow("Migration rolled back successfully",
		"component", "db_rollback",
		"version", version,
	)
	fmt.Printf("Migration %d rolled back successfully\n", version)
	return nil
}
