package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

// Probe names, reported in failedChecks.
const (
	ProbeREST      = "REST API"
	ProbeGenerator = "generator meta"
	ProbeAssets    = "asset paths"
	ProbeLogin     = "login endpoints"
)

// Indicator labels, reported in detectedIndicators.
const (
	IndicatorREST       = "REST API"
	IndicatorGenerator  = "generator meta"
	IndicatorWPContent  = "wp-content assets"
	IndicatorWPIncludes = "wp-includes assets"
	IndicatorLogin      = "wp-login.php"
	IndicatorXMLRPC     = "xmlrpc.php"

	MethodWeak = "multiple weak indicators"
)

const xmlrpcSignature = "XML-RPC server accepts POST requests only"

var loginMarkers = []string{"user_login", "loginform", "wp-submit"}

type probeFunc func(ctx context.Context, base string, home func() (*page, error)) probeResult

type probeResult struct {
	strong []string
	weak   []string
	// namespaces is filled by the REST probe for the scanner.
	namespaces []string
	err        error
}

func (r probeResult) matched() bool {
	return len(r.strong) > 0 || len(r.weak) > 0
}

// signals carries probe side products the scanner reuses.
type signals struct {
	namespaces []string
}

// Detector decides whether a site runs WordPress. It only issues GET requests,
// sends no credentials and never executes anything it downloads.
type Detector struct {
	fetch   *fetcher
	cfg     config.DetectorConfig
	urlOpts validation.URLOptions
	log     *logger.Logger
	group   singleflight.Group
}

type Option func(*detectorOptions)

type detectorOptions struct {
	maxBody      int64
	allowPrivate bool
}

// WithMaxBodyBytes caps how much of each response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(o *detectorOptions) { o.maxBody = n }
}

// WithPrivateTargets lets the detector accept loopback and private hosts.
func WithPrivateTargets() Option {
	return func(o *detectorOptions) { o.allowPrivate = true }
}

func NewDetector(client *http.Client, limiter *ratelimit.Limiter, cfg config.DetectorConfig, log *logger.Logger, opts ...Option) *Detector {
	var o detectorOptions
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.Nop()
	}

	defaults := config.Default().Detector
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.StrongWeight <= 0 {
		cfg.StrongWeight = defaults.StrongWeight
	}
	if cfg.WeakWeight <= 0 {
		cfg.WeakWeight = defaults.WeakWeight
	}
	if cfg.MinWeakIndicators <= 0 {
		cfg.MinWeakIndicators = defaults.MinWeakIndicators
	}

	return &Detector{
		fetch:   newFetcher(client, limiter, o.maxBody),
		cfg:     cfg,
		urlOpts: validation.URLOptions{AllowPrivate: o.allowPrivate},
		log:     log.WithComponent("detector"),
	}
}

// Detect validates rawURL and runs the four probes. The only error returned is
// for an invalid URL; an unreachable site is a negative result.
func (d *Detector) Detect(ctx context.Context, rawURL string) (*types.DetectionResult, error) {
	target, err := validation.ValidateURLWithOptions(rawURL, d.urlOpts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, _ := d.detectWith(ctx, target.String(), nil)
	d.log.WithTarget(target.String()).Debugw("Detection finished",
		"is_wordpress", result.IsWordPress,
		"confidence", result.Confidence,
		"indicators", result.DetectedIndicators,
		"failed_checks", result.FailedChecks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// detectWith runs the probes against an already validated base URL. When home is
// non-nil it is used instead of fetching the homepage again.
func (d *Detector) detectWith(ctx context.Context, base string, home *page) (*types.DetectionResult, signals) {
	homepage := sync.OnceValues(func() (*page, error) {
		if home != nil {
			return home, nil
		}
		return d.homepage(ctx, base)
	})

	probes := []struct {
		name string
		fn   probeFunc
	}{
		{ProbeREST, d.probeREST},
		{ProbeGenerator, d.probeGenerator},
		{ProbeAssets, d.probeAssets},
		{ProbeLogin, d.probeLogin},
	}

	results := make([]probeResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
			defer cancel()
			results[i] = p.fn(probeCtx, base, homepage)
			if results[i].err != nil {
				d.log.Debugw("Detection probe failed", "target", base, "probe", p.name, "error", results[i].err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &types.DetectionResult{
		DetectedIndicators: []string{},
		FailedChecks:       []string{},
	}
	var sig signals
	strong, weak := 0, 0
	for i, r := range results {
		if !r.matched() {
			result.FailedChecks = append(result.FailedChecks, probes[i].name)
		}
		if result.Method == "" && len(r.strong) > 0 {
			result.Method = r.strong[0]
		}
		strong += len(r.strong)
		weak += len(r.weak)
		result.DetectedIndicators = append(result.DetectedIndicators, r.strong...)
		result.DetectedIndicators = append(result.DetectedIndicators, r.weak...)
		if r.namespaces != nil {
			sig.namespaces = r.namespaces
		}
	}

	result.Confidence = min(100, strong*d.cfg.StrongWeight+weak*d.cfg.WeakWeight)
	result.IsWordPress = strong > 0 || weak >= d.cfg.MinWeakIndicators
	if result.Method == "" && result.IsWordPress {
		result.Method = MethodWeak
	}
	return result, sig
}

// homepage collapses concurrent fetches of the same base URL into one request.
// The shared fetch is detached from any single caller so one cancelled request
// cannot fail the others; each caller still stops waiting on its own ctx.
func (d *Detector) homepage(ctx context.Context, base string) (*page, error) {
	ch := d.group.DoChan(base, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ProbeTimeout)
		defer cancel()
		return d.fetch.get(fetchCtx, base+"/")
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*page), nil
	}
}

type restIndex struct {
	Namespaces []string `json:"namespaces"`
}

func (d *Detector) probeREST(ctx context.Context, base string, _ func() (*page, error)) probeResult {
	var res probeResult
	// Sites without pretty permalinks only answer on ?rest_route=.
	for _, path := range []string{"/wp-json/", "/?rest_route=/"} {
		p, err := d.fetch.get(ctx, base+path)
		if err != nil {
			res.err = err
			if ctx.Err() != nil {
				return res
			}
			continue
		}
		if !p.ok() {
			continue
		}
		var index restIndex
		if err := json.Unmarshal(p.body, &index); err != nil {
			continue
		}
		res.namespaces = index.Namespaces
		for _, ns := range index.Namespaces {
			if strings.HasPrefix(ns, "wp/") {
				res.strong = []string{IndicatorREST}
				res.err = nil
				return res
			}
		}
	}
	return res
}

func (d *Detector) probeGenerator(_ context.Context, _ string, home func() (*page, error)) probeResult {
	p, err := home()
	if err != nil {
		return probeResult{err: err}
	}
	doc, err := parseHTML(p.body)
	if err != nil {
		return probeResult{err: err}
	}
	if _, ok := wordPressGenerator(doc); ok {
		return probeResult{strong: []string{IndicatorGenerator}}
	}
	return probeResult{}
}

func (d *Detector) probeAssets(_ context.Context, _ string, home func() (*page, error)) probeResult {
	p, err := home()
	if err != nil {
		return probeResult{err: err}
	}
	doc, err := parseHTML(p.body)
	if err != nil {
		return probeResult{err: err}
	}
	var res probeResult
	wpContent, wpIncludes := assetPaths(doc)
	if wpContent {
		res.weak = append(res.weak, IndicatorWPContent)
	}
	if wpIncludes {
		res.weak = append(res.weak, IndicatorWPIncludes)
	}
	return res
}

func (d *Detector) probeLogin(ctx context.Context, base string, _ func() (*page, error)) probeResult {
	var res probeResult

	if p, err := d.fetch.get(ctx, base+"/wp-login.php"); err != nil {
		res.err = err
	} else if p.ok() && containsAny(p.text(), loginMarkers) {
		res.weak = append(res.weak, IndicatorLogin)
	}

	if p, err := d.fetch.get(ctx, base+"/xmlrpc.php"); err != nil {
		res.err = err
	} else if p.contains(xmlrpcSignature) {
		res.weak = append(res.weak, IndicatorXMLRPC)
	}
	return res
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
