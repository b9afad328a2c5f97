package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vulndbCmd = &cobra.Command{
	Use:   "vulndb",
	Short: "Vulnerability data commands",
}

var vulndbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate a vulnerability data file",
	Long: `Parse a vulnerability data file, validate every version bound and print
counts. Without --path the embedded data set (or vulndb.path from config)
is checked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = cfg.VulnDB.Path
		}

		db, err := loadVulnDB(path)
		if err != nil {
			return fmt.Errorf("invalid vulnerability data: %w", err)
		}

		source := path
		if source == "" {
			source = "embedded"
		}
		stats := db.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Source:          %s\n", source)
		fmt.Fprintf(out, "Updated:         %s\n", stats.Updated)
		fmt.Fprintf(out, "Plugins:         %d\n", stats.Plugins)
		fmt.Fprintf(out, "Themes:          %d\n", stats.Themes)
		fmt.Fprintf(out, "Vulnerabilities: %d\n", stats.Vulnerabilities)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vulndbCmd)
	vulndbCmd.AddCommand(vulndbCheckCmd)
	vulndbCheckCmd.Flags().String("path", "", "Vulnerability data file (YAML)")
}
