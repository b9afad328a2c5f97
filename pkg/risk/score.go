// Package risk turns scan findings into the 0-100 risk_score, where higher is safer.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

// Policy holds the tunable weights. Validate enforces the bounds that keep a
// clean report at 90 or above and any critical finding at 40 or below.
type Policy struct {
	CriticalPenalty     float64
	HighPenalty         float64
	MediumPenalty       float64
	LowPenalty          float64
	OutdatedWeight      float64
	HardeningPenalty    float64
	MaxHardeningPenalty float64
	CriticalCap         float64
}

type Input struct {
	Breakdown          types.SeverityBreakdown
	Components         int
	OutdatedComponents int
	ChecksTotal        int
	ChecksPassed       int
}

func DefaultPolicy() Policy {
	return Policy{
		CriticalPenalty:     35,
		HighPenalty:         15,
		MediumPenalty:       7,
		LowPenalty:          3,
		OutdatedWeight:      10,
		HardeningPenalty:    3,
		MaxHardeningPenalty: 20,
		CriticalCap:         40,
	}
}

func FromConfig(cfg config.ScoringConfig) Policy {
	return Policy(cfg)
}

func (p Policy) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"critical_penalty":      p.CriticalPenalty,
		"high_penalty":          p.HighPenalty,
		"medium_penalty":        p.MediumPenalty,
		"low_penalty":           p.LowPenalty,
		"outdated_weight":       p.OutdatedWeight,
		"hardening_penalty":     p.HardeningPenalty,
		"max_hardening_penalty": p.MaxHardeningPenalty,
		"critical_cap":          p.CriticalCap,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("scoring.%s must not be negative", name))
		}
	}
	if p.CriticalPenalty <= 0 {
		errs = append(errs, errors.New("scoring.critical_penalty must be positive"))
	}
	if p.OutdatedWeight > 10 {
		errs = append(errs, errors.New("scoring.outdated_weight must be at most 10"))
	}
	if p.CriticalCap > 40 {
		errs = append(errs, errors.New("scoring.critical_cap must be at most 40"))
	}
	return errors.Join(errs...)
}

// Score computes the risk score. Missing hardening checks only cost points
// when ChecksTotal is known, so a clean report with every check passed never
// drops below 100 - OutdatedWeight.
func (p Policy) Score(in Input) int {
	score := 100.0
	score -= float64(in.Breakdown.Critical) * p.CriticalPenalty
	score -= float64(in.Breakdown.High) * p.HighPenalty
	score -= float64(in.Breakdown.Medium) * p.MediumPenalty
	score -= float64(in.Breakdown.Low) * p.LowPenalty

	if in.Components > 0 && in.OutdatedComponents > 0 {
		ratio := math.Min(float64(in.OutdatedComponents)/float64(in.Components), 1)
		score -= p.OutdatedWeight * ratio
	}

	if missing := in.ChecksTotal - in.ChecksPassed; missing > 0 {
		score -= math.Min(float64(missing)*p.HardeningPenalty, p.MaxHardeningPenalty)
	}

	if in.Breakdown.Critical > 0 {
		score = math.Min(score, p.CriticalCap)
	}

	return int(math.Round(math.Max(0, math.Min(100, score))))
}
