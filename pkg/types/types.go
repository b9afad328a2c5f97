package types

import (
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists the reportable severities from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// ParseSeverity accepts any casing and returns false for unknown values.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityLow:
		return SeverityLow, true
	}
	return "", false
}

type ComponentStatus string

const (
	StatusSecure     ComponentStatus = "secure"
	StatusOutdated   ComponentStatus = "outdated"
	StatusVulnerable ComponentStatus = "vulnerable"
)

// UnknownVersion is reported when no fingerprint disclosed a version.
const UnknownVersion = "unknown"

// ComponentStatusFor applies the status rule shared by core, plugins and themes:
// vulnerable if any vulnerability matched, else outdated if the version differs
// from the latest known release, else secure.
func ComponentStatusFor(current, latest string, vulnerabilities int) ComponentStatus {
	if vulnerabilities > 0 {
		return StatusVulnerable
	}
	if latest != "" && !SameVersion(current, latest) {
		return StatusOutdated
	}
	return StatusSecure
}

// SameVersion compares two version strings numerically ("6.4" == "6.4.0").
// Unparsable versions fall back to a plain string comparison.
func SameVersion(a, b string) bool {
	if a == "" || a == UnknownVersion || b == "" || b == UnknownVersion {
		return false
	}
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return va.Equal(vb)
}

// ScanPhase names a step of a scan, reported to progress listeners.
type ScanPhase string

const (
	PhaseValidating     ScanPhase = "validating"
	PhaseFetching       ScanPhase = "fetching"
	PhaseFingerprinting ScanPhase = "fingerprinting"
	PhaseComponents     ScanPhase = "components"
	PhaseHardening      ScanPhase = "hardening"
	PhaseScoring        ScanPhase = "scoring"
	PhaseComplete       ScanPhase = "complete"
)

// ProgressFunc receives phase changes. It is called from the scanning goroutine
// and must not block for long.
type ProgressFunc func(phase ScanPhase, message string)

// DetectionResult is the verdict returned by the WordPress detector.
type DetectionResult struct {
	IsWordPress        bool     `json:"isWordPress"`
	Confidence         int      `json:"confidence"`
	DetectedIndicators []string `json:"detectedIndicators"`
	FailedChecks       []string `json:"failedChecks"`
	Method             string   `json:"method,omitempty"`
}

type SeverityBreakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

func (b *SeverityBreakdown) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		b.Critical++
	case SeverityHigh:
		b.High++
	case SeverityMedium:
		b.Medium++
	default:
		b.Low++
	}
}

func (b SeverityBreakdown) Total() int {
	return b.Critical + b.High + b.Medium + b.Low
}

type CoreFinding struct {
	Version         string          `json:"version"`
	LatestVersion   string          `json:"latest_version,omitempty"`
	Status          ComponentStatus `json:"status"`
	Vulnerabilities int             `json:"vulnerabilities"`
	DetectedFrom    string          `json:"detected_from"`
}

type ComponentFinding struct {
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	LatestVersion   string          `json:"latest_version,omitempty"`
	Status          ComponentStatus `json:"status"`
	Vulnerabilities int             `json:"vulnerabilities"`
	DetectedFrom    string          `json:"detected_from"`
}

// ScanResult is the full report produced by the scanner.
type ScanResult struct {
	URL                  string             `json:"url"`
	ScannedAt            time.Time          `json:"scanned_at"`
	ScanDurationMs       int64              `json:"scan_duration_ms"`
	Core                 CoreFinding        `json:"core"`
	Plugins              []ComponentFinding `json:"plugins"`
	Themes               []ComponentFinding `json:"themes"`
	Security             []string           `json:"security"`
	RiskScore            int                `json:"risk_score"`
	TotalVulnerabilities int                `json:"total_vulnerabilities"`
	SeverityBreakdown    SeverityBreakdown  `json:"severity_breakdown"`
	DetectionConfidence  int                `json:"detection_confidence"`
	HTTPSEnabled         bool               `json:"https_enabled"`
}

// ComponentVulnerabilities sums the per-component counters.
func (r *ScanResult) ComponentVulnerabilities() int {
	total := r.Core.Vulnerabilities
	for _, p := range r.Plugins {
		total += p.Vulnerabilities
	}
	for _, t := range r.Themes {
		total += t.Vulnerabilities
	}
	return total
}

// Tally derives total_vulnerabilities from the severity breakdown.
func (r *ScanResult) Tally() {
	r.TotalVulnerabilities = r.SeverityBreakdown.Total()
}

// Consistent reports whether the vulnerability totals agree with each other.
func (r *ScanResult) Consistent() bool {
	return r.TotalVulnerabilities == r.SeverityBreakdown.Total() &&
		r.TotalVulnerabilities == r.ComponentVulnerabilities()
}

// OutdatedComponents counts core, plugins and themes whose status is not secure
// purely because a newer release exists.
func (r *ScanResult) OutdatedComponents() (outdated, total int) {
	total = 1 + len(r.Plugins) + len(r.Themes)
	if r.Core.Status == StatusOutdated {
		outdated++
	}
	for _, p := range r.Plugins {
		if p.Status == StatusOutdated {
			outdated++
		}
	}
	for _, t := range r.Themes {
		if t.Status == StatusOutdated {
			outdated++
		}
	}
	return outdated, total
}

// SavedScan is a persisted report keyed by (user, url, scanned_at).
type SavedScan struct {
	ID                   string      `json:"id" db:"id"`
	UserID               string      `json:"user_id" db:"user_id"`
	URL                  string      `json:"url" db:"url"`
	ScannedAt            time.Time   `json:"scanned_at" db:"scanned_at"`
	RiskScore            int         `json:"risk_score" db:"risk_score"`
	TotalVulnerabilities int         `json:"total_vulnerabilities" db:"total_vulnerabilities"`
	Data                 *ScanResult `json:"scan_data,omitempty" db:"-"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
}
