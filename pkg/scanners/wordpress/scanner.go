package wordpress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/vulndb"
)

// ErrTargetUnreachable is returned when the homepage cannot be fetched at all.
var ErrTargetUnreachable = errors.New("target unreachable")

// Fingerprint sources reported in detected_from.
const (
	SourceGenerator = "generator meta tag"
	SourceAssets    = "asset version"
	SourceFeed      = "rss feed"
	SourceReadme    = "readme.html"
	SourceNone      = "none"
	SourceHTML      = "homepage html"
	SourceREST      = "rest api"
	SourcePathProbe = "path probe"
)

type ScannerDeps struct {
	Client   *http.Client
	Limiter  *ratelimit.Limiter
	Detector *Detector
	VulnDB   *vulndb.DB
	Policy   risk.Policy
	Config   config.ScannerConfig
	// MaxBodyBytes caps each response body; zero means the package default.
	MaxBodyBytes int64
	// AllowPrivate accepts loopback and private targets.
	AllowPrivate bool
	Logger       *logger.Logger
	Telemetry    core.Telemetry
	Now          func() time.Time
}

// Scanner fingerprints a WordPress site and produces a risk report.
type Scanner struct {
	fetch     *fetcher
	detector  *Detector
	db        *vulndb.DB
	policy    risk.Policy
	cfg       config.ScannerConfig
	urlOpts   validation.URLOptions
	log       *logger.Logger
	telemetry core.Telemetry
	now       func() time.Time
}

type coreFingerprint struct {
	version string
	source  string
}

type candidate struct {
	slug         string
	assetVersion string
	source       string
}

func NewScanner(deps ScannerDeps) (*Scanner, error) {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}

	db := deps.VulnDB
	if db == nil {
		var err error
		if db, err = vulndb.Default(); err != nil {
			return nil, fmt.Errorf("load vulnerability data: %w", err)
		}
	}

	policy := deps.Policy
	if policy == (risk.Policy{}) {
		policy = risk.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring policy: %w", err)
	}

	cfg := deps.Config
	defaults := config.Default().Scanner
	if cfg.Workers < 1 {
		cfg.Workers = defaults.Workers
	}
	if cfg.MaxComponents < 1 {
		cfg.MaxComponents = defaults.MaxComponents
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	detector := deps.Detector
	if detector == nil {
		opts := []Option{WithMaxBodyBytes(deps.MaxBodyBytes)}
		if deps.AllowPrivate {
			opts = append(opts, WithPrivateTargets())
		}
		detector = NewDetector(deps.Client, deps.Limiter, config.Default().Detector, log, opts...)
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	fetch := newFetcher(deps.Client, deps.Limiter, deps.MaxBodyBytes)
	fetch.timeout = cfg.RequestTimeout

	return &Scanner{
		fetch:     fetch,
		detector:  detector,
		db:        db,
		policy:    policy,
		cfg:       cfg,
		urlOpts:   validation.URLOptions{AllowPrivate: deps.AllowPrivate},
		log:       log.WithComponent("scanner"),
		telemetry: tel,
		now:       now,
	}, nil
}

func (s *Scanner) Scan(ctx context.Context, rawURL string) (*types.ScanResult, error) {
	return s.ScanWithProgress(ctx, rawURL, nil)
}

// ScanWithProgress scans rawURL whether or not it looks like WordPress. Failing
// sub-probes leave gaps in the report; only an invalid URL or an unreachable
// homepage is an error.
func (s *Scanner) ScanWithProgress(ctx context.Context, rawURL string, progress types.ProgressFunc) (result *types.ScanResult, err error) {
	report := func(phase types.ScanPhase, message string) {
		s.log.LogScanProgress(ctx, rawURL, string(phase), "message", message)
		if progress != nil {
			progress(phase, message)
		}
	}

	report(types.PhaseValidating, "Validating URL")
	target, err := validation.ValidateURLWithOptions(rawURL, s.urlOpts)
	if err != nil {
		return nil, err
	}
	base := target.String()
	log := s.log.WithTarget(base)

	started := time.Now()
	scannedAt := s.now().UTC()

	ctx, span := log.StartOperation(ctx, "wordpress.scan")
	defer func() {
		log.FinishOperation(ctx, span, "wordpress.scan", started, err)
		s.telemetry.RecordScan(ctx, time.Since(started), err == nil)
	}()

	parent := ctx
	if s.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ScanTimeout)
		defer cancel()
	}

	sess := newSession(s.fetch, base)

	report(types.PhaseFetching, "Fetching homepage")
	home, err := sess.get(ctx, "/")
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrTargetUnreachable, base, err)
	}

	report(types.PhaseFingerprinting, "Fingerprinting WordPress")
	var (
		detection *types.DetectionResult
		sig       signals
		fp        coreFingerprint
		g         errgroup.Group
	)
	g.Go(func() error {
		detection, sig = s.detector.detectWith(ctx, base, home)
		return nil
	})
	g.Go(func() error {
		fp = s.fingerprintCore(ctx, sess, home)
		return nil
	})
	_ = g.Wait()

	result = &types.ScanResult{
		URL:                 base,
		ScannedAt:           scannedAt,
		Plugins:             []types.ComponentFinding{},
		Themes:              []types.ComponentFinding{},
		Security:            []string{},
		DetectionConfidence: detection.Confidence,
		HTTPSEnabled:        home.url != nil && home.url.Scheme == "https",
	}

	isWordPress := detection.IsWordPress || home.contains("/wp-content/") || fp.version != ""
	if isWordPress {
		result.Core = s.coreFinding(ctx, log, fp, &result.SeverityBreakdown)

		report(types.PhaseComponents, "Enumerating plugins and themes")
		result.Plugins = s.scanPlugins(ctx, log, sess, home, sig, &result.SeverityBreakdown)
		result.Themes = s.scanThemes(ctx, log, sess, home, &result.SeverityBreakdown)
	} else {
		log.Infow("Target does not look like WordPress, skipping component enumeration",
			"confidence", detection.Confidence,
		)
		result.Core = types.CoreFinding{
			Version:      types.UnknownVersion,
			Status:       types.ComponentStatusFor(types.UnknownVersion, "", 0),
			DetectedFrom: SourceNone,
		}
	}

	report(types.PhaseHardening, "Running hardening checks")
	passed, total := s.runHardening(ctx, log, sess, home, result.Core.Version)
	result.Security = passed

	report(types.PhaseScoring, "Computing risk score")
	result.Tally()
	outdated, components := result.OutdatedComponents()
	result.RiskScore = s.policy.Score(risk.Input{
		Breakdown:          result.SeverityBreakdown,
		Components:         components,
		OutdatedComponents: outdated,
		ChecksTotal:        total,
		ChecksPassed:       len(passed),
	})
	result.ScanDurationMs = time.Since(started).Milliseconds()
	s.telemetry.RecordVulnerabilities(ctx, result.SeverityBreakdown)

	report(types.PhaseComplete, fmt.Sprintf("Scan complete, risk score %d", result.RiskScore))
	log.Infow("Scan completed",
		"core_version", result.Core.Version,
		"plugins", len(result.Plugins),
		"themes", len(result.Themes),
		"vulnerabilities", result.TotalVulnerabilities,
		"risk_score", result.RiskScore,
		"duration_ms", result.ScanDurationMs,
	)
	return result, nil
}

// fingerprintCore tries each version source in order of reliability.
func (s *Scanner) fingerprintCore(ctx context.Context, sess *session, home *page) coreFingerprint {
	if doc, err := parseHTML(home.body); err == nil {
		if content, ok := wordPressGenerator(doc); ok {
			if v := versionFromGenerator(content); v != "" {
				return coreFingerprint{version: v, source: SourceGenerator}
			}
		}
	}
	if v := coreVersionFromAssets(home.text()); v != "" {
		return coreFingerprint{version: v, source: SourceAssets}
	}
	if p, err := sess.get(ctx, "/feed/"); err == nil && p.ok() {
		if v := coreVersionFromFeed(p.text()); v != "" {
			return coreFingerprint{version: v, source: SourceFeed}
		}
	}
	if p, err := sess.get(ctx, "/readme.html"); err == nil && p.ok() {
		if v := coreVersionFromReadme(p.text()); v != "" {
			return coreFingerprint{version: v, source: SourceReadme}
		}
	}
	return coreFingerprint{source: SourceNone}
}

func (s *Scanner) coreFinding(ctx context.Context, log *logger.Logger, fp coreFingerprint, breakdown *types.SeverityBreakdown) types.CoreFinding {
	version := fp.version
	if version == "" {
		version = types.UnknownVersion
	}
	match := s.db.Lookup(vulndb.KindCore, "", version)
	for _, v := range match.Vulnerabilities {
		breakdown.Add(v.Severity)
		log.LogVulnerability(ctx, "core", v.ID, string(v.Severity), "version", version, "title", v.Title)
	}
	return types.CoreFinding{
		Version:         version,
		LatestVersion:   match.LatestVersion,
		Status:          types.ComponentStatusFor(version, match.LatestVersion, len(match.Vulnerabilities)),
		Vulnerabilities: len(match.Vulnerabilities),
		DetectedFrom:    fp.source,
	}
}

func (s *Scanner) pluginCandidates(ctx context.Context, log *logger.Logger, sess *session, home *page, sig signals) []candidate {
	var cands []candidate
	seen := make(map[string]bool)
	add := func(c candidate) {
		if seen[c.slug] || len(cands) >= s.cfg.MaxComponents {
			return
		}
		seen[c.slug] = true
		cands = append(cands, c)
	}

	for _, ref := range pluginRefs(home.text()) {
		add(candidate{slug: ref.slug, assetVersion: ref.version, source: SourceHTML})
	}
	for _, ns := range sig.namespaces {
		if slug, ok := s.db.SlugForNamespace(ns); ok {
			add(candidate{slug: slug, source: SourceREST})
		}
	}

	if s.cfg.EnumerateKnown {
		if s.softNotFound(ctx, sess) {
			log.Debugw("Site answers 200 for missing plugin files, skipping path probing")
		} else {
			for _, slug := range s.db.KnownSlugs(vulndb.KindPlugin) {
				add(candidate{slug: slug, source: SourcePathProbe})
			}
		}
	}
	return cands
}

// softNotFound reports whether a readme for a random plugin slug appears to exist.
func (s *Scanner) softNotFound(ctx context.Context, sess *session) bool {
	p, err := sess.get(ctx, "/wp-content/plugins/"+uuid.NewString()+"/readme.txt")
	if err != nil {
		return true
	}
	return p.ok()
}

func (s *Scanner) scanPlugins(ctx context.Context, log *logger.Logger, sess *session, home *page, sig signals, breakdown *types.SeverityBreakdown) []types.ComponentFinding {
	cands := s.pluginCandidates(ctx, log, sess, home, sig)
	found := make([]*types.ComponentFinding, len(cands))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, c := range cands {
		g.Go(func() error {
			found[i] = s.enrichPlugin(ctx, log, sess, c)
			return nil
		})
	}
	_ = g.Wait()

	return s.collect(ctx, log, vulndb.KindPlugin, found, breakdown)
}

// enrichPlugin returns nil for a path-probe candidate whose readme is absent.
func (s *Scanner) enrichPlugin(ctx context.Context, log *logger.Logger, sess *session, c candidate) *types.ComponentFinding {
	f := &types.ComponentFinding{
		Slug:         c.slug,
		Version:      types.UnknownVersion,
		DetectedFrom: c.source,
	}

	hasReadme := false
	p, err := sess.get(ctx, "/wp-content/plugins/"+c.slug+"/readme.txt")
	switch {
	case err != nil:
		log.Debugw("Plugin readme fetch failed", "plugin", c.slug, "error", err)
	case p.ok() && looksLikePluginReadme(p.text()):
		hasReadme = true
		name, version := parsePluginReadme(p.text())
		f.Name = name
		if version != "" {
			f.Version = version
		}
	}

	if c.source == SourcePathProbe && !hasReadme {
		return nil
	}
	if f.Version == types.UnknownVersion && c.assetVersion != "" {
		f.Version = c.assetVersion
	}
	return f
}

func (s *Scanner) scanThemes(ctx context.Context, log *logger.Logger, sess *session, home *page, breakdown *types.SeverityBreakdown) []types.ComponentFinding {
	refs := themeRefs(home.text())
	if len(refs) > s.cfg.MaxComponents {
		refs = refs[:s.cfg.MaxComponents]
	}
	found := make([]*types.ComponentFinding, len(refs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, ref := range refs {
		g.Go(func() error {
			found[i] = s.enrichTheme(ctx, log, sess, ref)
			return nil
		})
	}
	_ = g.Wait()

	return s.collect(ctx, log, vulndb.KindTheme, found, breakdown)
}

func (s *Scanner) enrichTheme(ctx context.Context, log *logger.Logger, sess *session, ref componentRef) *types.ComponentFinding {
	f := &types.ComponentFinding{
		Slug:         ref.slug,
		Version:      types.UnknownVersion,
		DetectedFrom: SourceHTML,
	}

	p, err := sess.get(ctx, "/wp-content/themes/"+ref.slug+"/style.css")
	switch {
	case err != nil:
		log.Debugw("Theme stylesheet fetch failed", "theme", ref.slug, "error", err)
	case p.ok():
		// Without a Theme Name header the response is not a theme stylesheet.
		if name, version := parseThemeStyle(p.text()); name != "" {
			f.Name = name
			if version != "" {
				f.Version = version
			}
		}
	}

	if f.Version == types.UnknownVersion && ref.version != "" {
		f.Version = ref.version
	}
	return f
}

// collect looks up vulnerabilities for each finding, in discovery order.
func (s *Scanner) collect(ctx context.Context, log *logger.Logger, kind vulndb.Kind, found []*types.ComponentFinding, breakdown *types.SeverityBreakdown) []types.ComponentFinding {
	findings := make([]types.ComponentFinding, 0, len(found))
	for _, f := range found {
		if f == nil {
			continue
		}
		match := s.db.Lookup(kind, f.Slug, f.Version)
		if f.Name == "" {
			f.Name = match.Name
		}
		if f.Name == "" {
			f.Name = f.Slug
		}
		f.LatestVersion = match.LatestVersion
		f.Vulnerabilities = len(match.Vulnerabilities)
		f.Status = types.ComponentStatusFor(f.Version, f.LatestVersion, f.Vulnerabilities)
		for _, v := range match.Vulnerabilities {
			breakdown.Add(v.Severity)
			log.LogVulnerability(ctx, f.Slug, v.ID, string(v.Severity), "kind", string(kind), "version", f.Version, "title", v.Title)
		}
		findings = append(findings, *f)
	}
	return findings
}
