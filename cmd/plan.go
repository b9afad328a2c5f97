package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/access"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage user subscription plans",
	Long: `Plans decide whether a user may save scan reports and how many distinct
sites they may keep. Plans are defined in the config file; users without a
stored plan get default_plan.`,
}

var planSetCmd = &cobra.Command{
	Use:   "set <user> <plan>",
	Short: "Assign a plan to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlanSet,
}

var planShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's effective plan and site usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanShow,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planSetCmd)
	planCmd.AddCommand(planShowCmd)
}

func planNames() []string {
	names := make([]string, 0, len(cfg.Plans))
	for name := range cfg.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runPlanSet(cmd *cobra.Command, args []string) error {
	userID := strings.TrimSpace(args[0])
	plan := strings.ToLower(strings.TrimSpace(args[1]))
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	if _, ok := cfg.Plans[plan]; !ok {
		return fmt.Errorf("unknown plan %q (configured: %s)", plan, strings.Join(planNames(), ", "))
	}

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if err := store.SetUserPlan(ctx, userID, plan); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	log.Infow("User plan updated", "component", "plan", "user_id", userID, "plan", plan)
	fmt.Fprintf(cmd.OutOrStdout(), "User %s is now on plan %s\n", userID, plan)
	return nil
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	userID := strings.TrimSpace(args[0])

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	gate := access.NewGate(store, cfg.Plans, cfg.DefaultPlan, log)
	name, plan, err := gate.PlanFor(ctx, userID)
	if err != nil {
		return err
	}
	sites, err := store.CountSites(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count saved sites: %w", err)
	}

	limit := "unlimited"
	if plan.SiteLimit > 0 {
		limit = fmt.Sprintf("%d", plan.SiteLimit)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:        %s\n", userID)
	fmt.Fprintf(out, "Plan:        %s\n", name)
	fmt.Fprintf(out, "Can save:    %t\n", plan.CanSave)
	fmt.Fprintf(out, "Site limit:  %s\n", limit)
	fmt.Fprintf(out, "Sites saved: %d\n", sites)
	return nil
}
