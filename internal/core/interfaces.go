package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

type Detector interface {
	Detect(ctx context.Context, rawURL string) (*types.DetectionResult, error)
}

type Scanner interface {
	Scan(ctx context.Context, rawURL string) (*types.ScanResult, error)
	ScanWithProgress(ctx context.Context, rawURL string, progress types.ProgressFunc) (*types.ScanResult, error)
}

// ScanStore persists saved reports and plan assignments.
type ScanStore interface {
	SaveScan(ctx context.Context, scan *types.SavedScan) error
	GetScan(ctx context.Context, userID, id string) (*types.SavedScan, error)
	ListScans(ctx context.Context, userID string, limit int) ([]*types.SavedScan, error)
	CountSites(ctx context.Context, userID string) (int, error)
	HasSite(ctx context.Context, userID, url string) (bool, error)
	GetUserPlan(ctx context.Context, userID string) (string, error)
	SetUserPlan(ctx context.Context, userID, plan string) error
	Ping(ctx context.Context) error
	Close() error
}

// SaveAuthorizer persists a report only when the user's plan allows it. The
// site-limit check and the write are atomic.
type SaveAuthorizer interface {
	SaveWithinPlan(ctx context.Context, scan *types.SavedScan) error
}

type Telemetry interface {
	RecordDetection(ctx context.Context, isWordPress bool)
	RecordScan(ctx context.Context, duration time.Duration, success bool)
	RecordVulnerabilities(ctx context.Context, breakdown types.SeverityBreakdown)
	RecordSave(ctx context.Context, outcome string)
	Close() error
}
