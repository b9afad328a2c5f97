package access

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

type fakePlanStore struct {
	plans map[string]string
	sites map[string][]string
	err   error
}

func (f *fakePlanStore) GetUserPlan(_ context.Context, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	plan, ok := f.plans[userID]
	if !ok {
		return "", fmt.Errorf("plan for %s: %w", userID, database.ErrNotFound)
	}
	return plan, nil
}

func (f *fakePlanStore) SaveScanWithinLimit(_ context.Context, scan *types.SavedScan, limit int) error {
	held := f.sites[scan.UserID]
	for _, s := range held {
		if s == scan.URL {
			return nil
		}
	}
	if limit > 0 && len(held) >= limit {
		return &database.SiteLimitError{Count: len(held), Limit: limit}
	}
	f.sites[scan.UserID] = append(held, scan.URL)
	return nil
}

func sites(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://site%d.example", i)
	}
	return out
}

func TestSaveWithinPlan(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name        string
		plan        string
		saved       []string
		url         string
		wantErr     error
		wantUpgrade bool
	}{
		{name: "no plan row falls back to free", url: "https://a.example", wantErr: ErrUpgradeRequired, wantUpgrade: true},
		{name: "free plan", plan: "free", url: "https://a.example", wantErr: ErrUpgradeRequired, wantUpgrade: true},
		{name: "pro under limit", plan: "pro", saved: sites(2), url: "https://new.example"},
		{name: "pro at limit", plan: "pro", saved: sites(3), url: "https://new.example", wantErr: ErrSiteLimitReached, wantUpgrade: true},
		{name: "pro at limit re-saving known site", plan: "pro", saved: sites(3), url: "https://site1.example"},
		{name: "business at limit", plan: "business", saved: sites(10), url: "https://new.example", wantErr: ErrSiteLimitReached, wantUpgrade: true},
		{name: "agency unlimited", plan: "agency", saved: sites(500), url: "https://new.example"},
		{name: "plan names ignore case", plan: "PRO", url: "https://new.example"},
		{name: "unknown plan", plan: "platinum", url: "https://a.example", wantErr: ErrUnknownPlan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakePlanStore{plans: map[string]string{}, sites: map[string][]string{"u": tt.saved}}
			if tt.plan != "" {
				store.plans["u"] = tt.plan
			}
			gate := NewGate(store, cfg.Plans, cfg.DefaultPlan, logger.Nop())

			err := gate.SaveWithinPlan(context.Background(), &types.SavedScan{UserID: "u", URL: tt.url})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				assert.Contains(t, store.sites["u"], tt.url)
				return
			}
			assert.NotContains(t, store.sites["u"], tt.url)
			require.ErrorIs(t, err, tt.wantErr)

			var denial *Denial
			if tt.wantUpgrade {
				require.ErrorAs(t, err, &denial)
				assert.True(t, denial.RequiresUpgrade)
				assert.NotEmpty(t, denial.Reason)
			} else {
				assert.False(t, errors.As(err, &denial))
			}
		})
	}
}

func TestSaveWithinPlanStoreError(t *testing.T) {
	boom := errors.New("connection refused")
	gate := NewGate(&fakePlanStore{err: boom}, config.Default().Plans, "free", logger.Nop())

	err := gate.SaveWithinPlan(context.Background(), &types.SavedScan{UserID: "u", URL: "https://a.example"})
	require.ErrorIs(t, err, boom)

	var denial *Denial
	assert.False(t, errors.As(err, &denial))
}

func TestPlanFor(t *testing.T) {
	store := &fakePlanStore{plans: map[string]string{"u": "business"}}
	gate := NewGate(store, config.Default().Plans, "free", logger.Nop())

	name, plan, err := gate.PlanFor(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "business", name)
	assert.Equal(t, 10, plan.SiteLimit)

	name, plan, err = gate.PlanFor(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "free", name)
	assert.False(t, plan.CanSave)
}

func TestGateAgainstSQLiteStore(t *testing.T) {
	store, err := database.NewStore(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"}, logger.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	gate := NewGate(store, config.Default().Plans, "free", logger.Nop())

	assert.ErrorIs(t, gate.SaveWithinPlan(ctx, storedScan("u", "https://a.example")), ErrUpgradeRequired)

	require.NoError(t, store.SetUserPlan(ctx, "u", "pro"))
	for i := 0; i < 3; i++ {
		require.NoError(t, gate.SaveWithinPlan(ctx, storedScan("u", fmt.Sprintf("https://site%d.example", i))))
	}

	err = gate.SaveWithinPlan(ctx, storedScan("u", "https://new.example"))
	require.ErrorIs(t, err, ErrSiteLimitReached)
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, "Site limit reached (3 of 3 sites on the pro plan)", denial.Reason)

	n, err := store.CountSites(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSaveWithinPlanConcurrentSitesRespectLimit(t *testing.T) {
	store, err := database.NewStore(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"}, logger.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	gate := NewGate(store, config.Default().Plans, "free", logger.Nop())
	require.NoError(t, store.SetUserPlan(ctx, "u", "pro"))
	require.NoError(t, gate.SaveWithinPlan(ctx, storedScan("u", "https://site0.example")))
	require.NoError(t, gate.SaveWithinPlan(ctx, storedScan("u", "https://site1.example")))

	var g errgroup.Group
	results := make([]error, 6)
	for i := range results {
		g.Go(func() error {
			results[i] = gate.SaveWithinPlan(ctx, storedScan("u", fmt.Sprintf("https://new%d.example", i)))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	allowed := 0
	for _, err := range results {
		if err == nil {
			allowed++
			continue
		}
		assert.ErrorIs(t, err, ErrSiteLimitReached)
	}
	assert.Equal(t, 1, allowed)

	n, err := store.CountSites(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func storedScan(userID, url string) *types.SavedScan {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.SavedScan{
		UserID:    userID,
		URL:       url,
		ScannedAt: at,
		Data:      &types.ScanResult{URL: url, ScannedAt: at},
	}
}
