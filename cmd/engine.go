package cmd

import (
	"fmt"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/vulndb"
)

// engine is the detector and scanner pair shared by serve, detect and scan.
type engine struct {
	detector *wordpress.Detector
	scanner  *wordpress.Scanner
	vulndb   *vulndb.DB
}

func loadVulnDB(path string) (*vulndb.DB, error) {
	if path == "" {
		return vulndb.Default()
	}
	return vulndb.LoadFile(path)
}

func newEngine(tel core.Telemetry) (*engine, error) {
	policy := risk.FromConfig(cfg.Scoring)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring configuration: %w", err)
	}

	db, err := loadVulnDB(cfg.VulnDB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load vulnerability data: %w", err)
	}

	client := httpclient.NewSecureClient(httpclient.FromConfig(cfg.HTTP))
	limiter := ratelimit.NewLimiter(ratelimit.FromConfig(cfg.Scanner))

	var opts []wordpress.Option
	opts = append(opts, wordpress.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes))
	if cfg.HTTP.AllowPrivateIPs {
		opts = append(opts, wordpress.WithPrivateTargets())
	}
	detector := wordpress.NewDetector(client, limiter, cfg.Detector, log, opts...)

	scanner, err := wordpress.NewScanner(wordpress.ScannerDeps{
		Client:       client,
		Limiter:      limiter,
		Detector:     detector,
		VulnDB:       db,
		Policy:       policy,
		Config:       cfg.Scanner,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		AllowPrivate: cfg.HTTP.AllowPrivateIPs,
		Logger:       log,
		Telemetry:    tel,
	})
	if err != nil {
		return nil, err
	}

	stats := db.Stats()
	log.Infow("Scan engine ready",
		"vulndb_updated", stats.Updated,
		"vulndb_plugins", stats.Plugins,
		"vulndb_themes", stats.Themes,
		"workers", cfg.Scanner.Workers,
	)
	return &engine{detector: detector, scanner: scanner, vulndb: db}, nil
}
