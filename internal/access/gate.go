// Package access saves scan reports only when the user's plan allows it.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

var (
	ErrUpgradeRequired  = errors.New("plan does not include saved scans")
	ErrSiteLimitReached = errors.New("site limit reached for plan")
	ErrUnknownPlan      = errors.New("unknown plan")
)

// PlanStore is the subset of the scan store the gate uses. SaveScanWithinLimit
// must check the site cap and write in one transaction, returning a
// *database.SiteLimitError when the cap refuses a new site.
type PlanStore interface {
	GetUserPlan(ctx context.Context, userID string) (string, error)
	SaveScanWithinLimit(ctx context.Context, scan *types.SavedScan, limit int) error
}

// Denial is returned when a save is refused by plan rules. It wraps one of
// ErrUpgradeRequired or ErrSiteLimitReached.
type Denial struct {
	Reason          string
	RequiresUpgrade bool
	err             error
}

func (d *Denial) Error() string { return d.Reason }

func (d *Denial) Unwrap() error { return d.err }

type Gate struct {
	store       PlanStore
	plans       map[string]config.PlanConfig
	defaultPlan string
	log         *logger.Logger
}

func NewGate(store PlanStore, plans map[string]config.PlanConfig, defaultPlan string, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	normalized := make(map[string]config.PlanConfig, len(plans))
	for name, p := range plans {
		normalized[strings.ToLower(name)] = p
	}
	return &Gate{
		store:       store,
		plans:       normalized,
		defaultPlan: strings.ToLower(defaultPlan),
		log:         log.WithComponent("access"),
	}
}

// PlanFor returns the user's stored plan, or the default plan when none is stored.
func (g *Gate) PlanFor(ctx context.Context, userID string) (string, config.PlanConfig, error) {
	name, err := g.store.GetUserPlan(ctx, userID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		name = g.defaultPlan
	case err != nil:
		return "", config.PlanConfig{}, fmt.Errorf("failed to load plan: %w", err)
	}
	name = strings.ToLower(name)

	plan, ok := g.plans[name]
	if !ok {
		return name, config.PlanConfig{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return name, plan, nil
}

// SaveWithinPlan persists scan when the plan of scan.UserID allows it.
// Re-saving a URL the user already saved never counts against the site limit.
func (g *Gate) SaveWithinPlan(ctx context.Context, scan *types.SavedScan) error {
	name, plan, err := g.PlanFor(ctx, scan.UserID)
	if err != nil {
		return err
	}

	if !plan.CanSave {
		return g.deny(ctx, scan.UserID, name, &Denial{
			Reason:          "Saving scans requires a paid plan",
			RequiresUpgrade: true,
			err:             ErrUpgradeRequired,
		})
	}

	err = g.store.SaveScanWithinLimit(ctx, scan, plan.SiteLimit)
	var capped *database.SiteLimitError
	switch {
	case errors.As(err, &capped):
		return g.deny(ctx, scan.UserID, name, &Denial{
			Reason:          fmt.Sprintf("Site limit reached (%d of %d sites on the %s plan)", capped.Count, plan.SiteLimit, name),
			RequiresUpgrade: true,
			err:             ErrSiteLimitReached,
		})
	case err != nil:
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

func (g *Gate) deny(ctx context.Context, userID, plan string, d *Denial) error {
	g.log.WithContext(ctx).Infow("Save denied by plan",
		"user_id", userID,
		"plan", plan,
		"reason", d.Reason,
	)
	return d
}
