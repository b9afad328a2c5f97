// Package database persists saved scan reports and user plan assignments.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const defaultListLimit = 50

type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

// scanRow carries the serialized report next to the summary columns.
type scanRow struct {
	types.SavedScan
	Data string `db:"data"`
}

// NewStore connects and applies pending migrations.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	store, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrations().RunMigrations(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Open connects without touching the schema. Migration commands use it so a
// rollback is not immediately re-applied.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("database")

	ctx := context.Background()
	start := time.Now()
	var err error
	ctx, span := log.StartOperation(ctx, "database.Open",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	defer func() {
		log.FinishOperation(ctx, span, "database.Open", start, err)
	}()

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect", "driver", cfg.Driver)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers, and every connection to :memory: is a
		// separate database.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	log.WithContext(ctx).Infow("Database connected",
		"driver", cfg.Driver,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Store{
		db:     db,
		cfg:    cfg,
		logger: log,
	}, nil
}

// maskDSN hides credentials in a DSN for logging.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// Migrations exposes the runner for status and rollback commands.
func (s *Store) Migrations() *MigrationRunner {
	return NewMigrationRunner(s.db, s.logger)
}

// SaveScan upserts a report keyed by (user, url, scanned_at). Saving the same
// report twice keeps the original id, which is written back to scan.ID.
func (s *Store) SaveScan(ctx context.Context, scan *types.SavedScan) error {
	return s.SaveScanWithinLimit(ctx, scan, 0)
}

// SiteLimitError is returned by SaveScanWithinLimit when a report is for a new
// site and the user already holds Limit distinct sites.
type SiteLimitError struct {
	Count int
	Limit int
}

func (e *SiteLimitError) Error() string {
	return fmt.Sprintf("site limit reached (%d of %d sites)", e.Count, e.Limit)
}

// SaveScanWithinLimit is SaveScan with a cap on distinct sites per user,
// checked in the same transaction as the write. A limit of 0 means unlimited.
// Re-saving a site the user already holds never counts against the cap.
func (s *Store) SaveScanWithinLimit(ctx context.Context, scan *types.SavedScan, limit int) (err error) {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.SaveScan",
		"user_id", scan.UserID,
		"url", scan.URL,
		"site_limit", limit,
	)
	defer func() {
		var capped *SiteLimitError
		if errors.As(err, &capped) {
			s.logger.FinishOperation(ctx, span, "database.SaveScan", start, nil)
			return
		}
		s.logger.FinishOperation(ctx, span, "database.SaveScan", start, err)
	}()

	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now()
	}
	scan.ScannedAt = normalizeTime(scan.ScannedAt)
	scan.CreatedAt = normalizeTime(scan.CreatedAt)

	data, err := json.Marshal(scan.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal scan data: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if limit > 0 {
		if err = s.checkSiteLimit(ctx, tx, scan.UserID, scan.URL, limit); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO saved_scans (
			id, user_id, url, scanned_at, risk_score, total_vulnerabilities, data, created_at
		) VALUES (
			:id, :user_id, :url, :scanned_at, :risk_score, :total_vulnerabilities, :data, :created_at
		)
		ON CONFLICT (user_id, url, scanned_at) DO UPDATE SET
			risk_score = excluded.risk_score,
			total_vulnerabilities = excluded.total_vulnerabilities,
			data = excluded.data
	`
	row := scanRow{SavedScan: *scan, Data: string(data)}

	queryStart := time.Now()
	result, err := tx.NamedExecContext(ctx, query, row)
	if err != nil {
		s.logger.LogError(ctx, err, "database.SaveScan.upsert", "url", scan.URL)
		return fmt.Errorf("failed to save scan: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "UPSERT", "saved_scans", rows, time.Since(queryStart))

	lookup := tx.Rebind(`SELECT id FROM saved_scans WHERE user_id = ? AND url = ? AND scanned_at = ?`)
	if err = tx.GetContext(ctx, &scan.ID, lookup, scan.UserID, scan.URL, scan.ScannedAt); err != nil {
		return fmt.Errorf("failed to read saved scan id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}
	return nil
}

// checkSiteLimit runs inside the save transaction. Postgres takes a per-user
// advisory lock held until commit; SQLite is already serialized by its single
// connection.
func (s *Store) checkSiteLimit(ctx context.Context, tx *sqlx.Tx, userID, url string, limit int) error {
	if s.cfg.Driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return fmt.Errorf("failed to lock user sites: %w", err)
		}
	}

	var held int
	query := tx.Rebind(`SELECT COUNT(*) FROM saved_scans WHERE user_id = ? AND url = ?`)
	if err := tx.GetContext(ctx, &held, query, userID, url); err != nil {
		return fmt.Errorf("failed to check site: %w", err)
	}
	if held > 0 {
		return nil
	}

	var count int
	query = tx.Rebind(`SELECT COUNT(DISTINCT url) FROM saved_scans WHERE user_id = ?`)
	if err := tx.GetContext(ctx, &count, query, userID); err != nil {
		return fmt.Errorf("failed to count sites: %w", err)
	}
	if count >= limit {
		return &SiteLimitError{Count: count, Limit: limit}
	}
	return nil
}

func (s *Store) GetScan(ctx context.Context, userID, id string) (*types.SavedScan, error) {
	query := s.db.Rebind(`
		SELECT id, user_id, url, scanned_at, risk_score, total_vulnerabilities, data, created_at
		FROM saved_scans
		WHERE user_id = ? AND id = ?
	`)

	var row scanRow
	if err := s.db.GetContext(ctx, &row, query, userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}

	scan := row.SavedScan
	if row.Data != "" && row.Data != "null" {
		var result types.ScanResult
		if err := json.Unmarshal([]byte(row.Data), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scan data: %w", err)
		}
		scan.Data = &result
	}
	return &scan, nil
}

// ListScans returns summary rows, newest first, without report bodies.
func (s *Store) ListScans(ctx context.Context, userID string, limit int) ([]*types.SavedScan, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := s.db.Rebind(`
		SELECT id, user_id, url, scanned_at, risk_score, total_vulnerabilities, created_at
		FROM saved_scans
		WHERE user_id = ?
		ORDER BY created_at DESC, scanned_at DESC
		LIMIT ?
	`)

	start := time.Now()
	scans := []*types.SavedScan{}
	if err := s.db.SelectContext(ctx, &scans, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "SELECT", "saved_scans", int64(len(scans)), time.Since(start))
	return scans, nil
}

// CountSites counts the distinct URLs a user has saved.
func (s *Store) CountSites(ctx context.Context, userID string) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(DISTINCT url) FROM saved_scans WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, userID); err != nil {
		return 0, fmt.Errorf("failed to count sites: %w", err)
	}
	return n, nil
}

func (s *Store) HasSite(ctx context.Context, userID, url string) (bool, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM saved_scans WHERE user_id = ? AND url = ?`)
	if err := s.db.GetContext(ctx, &n, query, userID, url); err != nil {
		return false, fmt.Errorf("failed to check site: %w", err)
	}
	return n > 0, nil
}

// GetUserPlan returns ErrNotFound for users without a stored plan.
func (s *Store) GetUserPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	query := s.db.Rebind(`SELECT plan FROM user_plans WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &plan, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("plan for %s: %w", userID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get user plan: %w", err)
	}
	return plan, nil
}

func (s *Store) SetUserPlan(ctx context.Context, userID, plan string) error {
	plan = strings.ToLower(strings.TrimSpace(plan))
	query := s.db.Rebind(`
		INSERT INTO user_plans (user_id, plan, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET plan = excluded.plan, updated_at = excluded.updated_at
	`)
	start := time.Now()
	result, err := s.db.ExecContext(ctx, query, userID, plan, normalizeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set user plan: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "UPSERT", "user_plans", rows, time.Since(start), "plan", plan)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeTime stores UTC at the precision PostgreSQL keeps, so keys read
// back compare equal.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
