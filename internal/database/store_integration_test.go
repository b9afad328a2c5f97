//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
)

// setupPostgresStore starts a PostgreSQL container and returns a migrated store.
func setupPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("wpscan_test"),
		postgres.WithUsername("wpscan_test"),
		postgres.WithPassword("wpscan_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(config.DatabaseConfig{
		Driver:          "postgres",
		DSN:             connStr,
		MaxConnections:  5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 8, 30, 0, 987654321, time.UTC)

	first := sampleScan("user-1", "https://example.com", at)
	require.NoError(t, store.SaveScan(ctx, first))

	again := sampleScan("user-1", "https://example.com", at)
	again.RiskScore = 55
	require.NoError(t, store.SaveScan(ctx, again))
	assert.Equal(t, first.ID, again.ID)

	got, err := store.GetScan(ctx, "user-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, got.RiskScore)
	assert.True(t, got.ScannedAt.Equal(first.ScannedAt))
	require.NotNil(t, got.Data)

	require.NoError(t, store.SaveScan(ctx, sampleScan("user-1", "https://other.example", at)))
	n, err := store.CountSites(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = store.SaveScanWithinLimit(ctx, sampleScan("user-1", "https://third.example", at), 2)
	var capped *SiteLimitError
	require.ErrorAs(t, err, &capped)
	require.NoError(t, store.SaveScanWithinLimit(ctx, sampleScan("user-1", "https://other.example", at.Add(time.Hour)), 2))

	_, err = store.GetUserPlan(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.SetUserPlan(ctx, "user-1", "agency"))
	plan, err := store.GetUserPlan(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "agency", plan)

	status, err := store.Migrations().GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.UpToDate())
}
