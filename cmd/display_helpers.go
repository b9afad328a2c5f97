// cmd/display_helpers.go - Shared display and formatting helpers
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

func colorStatus(status types.ComponentStatus) string {
	switch status {
	case types.StatusSecure:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.StatusOutdated:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.StatusVulnerable:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	default:
		return string(status)
	}
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	default:
		return string(severity)
	}
}

// colorRisk buckets a 0-100 score: 70 and above is fine, under 40 is bad.
func colorRisk(score int) string {
	s := fmt.Sprintf("%d/100", score)
	switch {
	case score >= 70:
		return color.New(color.FgGreen, color.Bold).Sprint(s)
	case score >= 40:
		return color.New(color.FgYellow, color.Bold).Sprint(s)
	default:
		return color.New(color.FgRed, color.Bold).Sprint(s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDetection(w io.Writer, target string, d *types.DetectionResult) {
	verdict := color.New(color.FgRed).Sprint("✗ not WordPress")
	if d.IsWordPress {
		verdict = color.New(color.FgGreen).Sprint("✓ WordPress")
	}
	fmt.Fprintf(w, "%s: %s (confidence %d%%)\n", target, verdict, d.Confidence)
	if len(d.DetectedIndicators) > 0 {
		fmt.Fprintf(w, "  Indicators: %s\n", strings.Join(d.DetectedIndicators, ", "))
	}
	if len(d.FailedChecks) > 0 {
		fmt.Fprintf(w, "  Failed checks: %s\n", strings.Join(d.FailedChecks, ", "))
	}
}

func printScanReport(w io.Writer, r *types.ScanResult) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "\nWordPress security report for %s\n", r.URL)
	fmt.Fprintf(w, "Scanned %s in %dms\n\n", r.ScannedAt.Format("2006-01-02 15:04:05 MST"), r.ScanDurationMs)

	fmt.Fprintf(w, "Risk score:      %s\n", colorRisk(r.RiskScore))
	https := color.New(color.FgRed).Sprint("no")
	if r.HTTPSEnabled {
		https = color.New(color.FgGreen).Sprint("yes")
	}
	fmt.Fprintf(w, "HTTPS:           %s\n", https)
	fmt.Fprintf(w, "Detection:       %d%% confidence\n", r.DetectionConfidence)
	fmt.Fprintf(w, "Vulnerabilities: %d", r.TotalVulnerabilities)
	if r.TotalVulnerabilities > 0 {
		counts := map[types.Severity]int{
			types.SeverityCritical: r.SeverityBreakdown.Critical,
			types.SeverityHigh:     r.SeverityBreakdown.High,
			types.SeverityMedium:   r.SeverityBreakdown.Medium,
			types.SeverityLow:      r.SeverityBreakdown.Low,
		}
		var parts []string
		for _, sev := range types.Severities {
			if counts[sev] > 0 {
				parts = append(parts, fmt.Sprintf("%s %d", colorSeverity(sev), counts[sev]))
			}
		}
		fmt.Fprintf(w, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)

	bold.Fprintln(w, "\nCore")
	fmt.Fprintf(w, "  WordPress %s  %s", r.Core.Version, colorStatus(r.Core.Status))
	if r.Core.LatestVersion != "" && r.Core.Status == types.StatusOutdated {
		fmt.Fprintf(w, "  (latest %s)", r.Core.LatestVersion)
	}
	fmt.Fprintln(w)

	printComponents(w, "Plugins", r.Plugins)
	printComponents(w, "Themes", r.Themes)

	bold.Fprintln(w, "\nHardening")
	if len(r.Security) == 0 {
		fmt.Fprintf(w, "  %s\n", color.New(color.FgGreen).Sprint("✓ all checks passed"))
	}
	for _, issue := range r.Security {
		fmt.Fprintf(w, "  %s %s\n", color.New(color.FgYellow).Sprint("!"), issue)
	}
}

func printComponents(w io.Writer, title string, items []types.ComponentFinding) {
	color.New(color.Bold).Fprintf(w, "\n%s (%d)\n", title, len(items))
	for _, c := range items {
		name := c.Name
		if name == "" {
			name = c.Slug
		}
		fmt.Fprintf(w, "  %-32s %-10s %s", name, c.Version, colorStatus(c.Status))
		if c.Vulnerabilities > 0 {
			fmt.Fprintf(w, "  %d vulnerabilities", c.Vulnerabilities)
		}
		if c.LatestVersion != "" && c.Status == types.StatusOutdated {
			fmt.Fprintf(w, "  (latest %s)", c.LatestVersion)
		}
		fmt.Fprintln(w)
	}
}
