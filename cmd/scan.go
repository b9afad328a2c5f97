package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

// errNotWordPress is returned by "scan" when detection says no and --force is unset.
var errNotWordPress = errors.New("target does not appear to run WordPress (use --force to scan anyway)")

var detectCmd = &cobra.Command{
	Use:   "detect <url>",
	Short: "Check whether a site runs WordPress",
	Long: `Run the four detection probes (REST API, generator tag, wp-content
assets, login page) against a URL and print the verdict with a
confidence score.

Example:
  wpscan detect https://example.com
  wpscan detect https://example.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Produce a WordPress security report",
	Long: `Detect WordPress, then fingerprint core, plugins and themes, match them
against the vulnerability data, run the hardening checklist and compute a
0-100 risk score (higher is safer).

Example:
  wpscan scan https://example.com
  wpscan scan https://example.com --json > report.json
  wpscan scan https://example.com --force`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(scanCmd)

	detectCmd.Flags().Bool("json", false, "Print the result as JSON")
	scanCmd.Flags().Bool("json", false, "Print the report as JSON")
	scanCmd.Flags().Bool("force", false, "Scan even when detection says the site is not WordPress")
}

// signalContext cancels on SIGINT/SIGTERM so in-flight probes stop promptly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	eng, err := newEngine(telemetry.NewNoop())
	if err != nil {
		return err
	}

	result, err := eng.detector.Detect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	printDetection(cmd.OutOrStdout(), args[0], result)
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	asJSON, _ := cmd.Flags().GetBool("json")
	force, _ := cmd.Flags().GetBool("force")

	eng, err := newEngine(telemetry.NewNoop())
	if err != nil {
		return err
	}

	detection, err := eng.detector.Detect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	if !detection.IsWordPress && !force {
		if !asJSON {
			printDetection(cmd.ErrOrStderr(), args[0], detection)
		}
		return errNotWordPress
	}

	var progress types.ProgressFunc
	if !asJSON {
		faint := color.New(color.Faint)
		progress = func(phase types.ScanPhase, message string) {
			faint.Fprintf(os.Stderr, "[%s] %s\n", phase, message)
		}
	}

	report, err := eng.scanner.ScanWithProgress(ctx, args[0], progress)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if asJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printScanReport(cmd.OutOrStdout(), report)
	return nil
}
