package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

func TestDefaultPolicyMatchesConfigDefaults(t *testing.T) {
	assert.Equal(t, DefaultPolicy(), FromConfig(config.Default().Scoring))
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestScore_CleanReport(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 100, p.Score(Input{Components: 3, ChecksTotal: 11, ChecksPassed: 11}))

	// Everything outdated is the worst clean case.
	assert.GreaterOrEqual(t, p.Score(Input{Components: 3, OutdatedComponents: 3, ChecksTotal: 11, ChecksPassed: 11}), 90)
}

func TestScore_CriticalCap(t *testing.T) {
	p := DefaultPolicy()

	score := p.Score(Input{
		Breakdown:    types.SeverityBreakdown{Critical: 1},
		Components:   1,
		ChecksTotal:  11,
		ChecksPassed: 11,
	})
	assert.LessOrEqual(t, score, 40)

	// A tiny critical penalty is still capped.
	p.CriticalPenalty = 1
	score = p.Score(Input{Breakdown: types.SeverityBreakdown{Critical: 1}, Components: 1})
	assert.Equal(t, 40, score)
}

func TestScore_MonotonicInVulnerabilities(t *testing.T) {
	p := DefaultPolicy()
	base := Input{Components: 4, OutdatedComponents: 1, ChecksTotal: 11, ChecksPassed: 9}

	prev := p.Score(base)
	for _, sev := range []types.Severity{types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical} {
		next := base
		next.Breakdown.Add(sev)
		score := p.Score(next)
		assert.Less(t, score, prev, "adding a %s finding must lower the score", sev)
		base = next
		prev = score
	}
}

func TestScore_AddingCriticalToCleanReport(t *testing.T) {
	p := DefaultPolicy()
	clean := Input{Components: 2, ChecksTotal: 11, ChecksPassed: 11}
	withCritical := clean
	withCritical.Breakdown.Add(types.SeverityCritical)

	assert.Less(t, p.Score(withCritical), p.Score(clean))
}

func TestScore_HardeningPenaltyIsBounded(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 94, p.Score(Input{Components: 1, ChecksTotal: 11, ChecksPassed: 9}))
	assert.Equal(t, 80, p.Score(Input{Components: 1, ChecksTotal: 11, ChecksPassed: 0}))
}

func TestScore_ClampsAtZero(t *testing.T) {
	p := DefaultPolicy()
	score := p.Score(Input{
		Breakdown:   types.SeverityBreakdown{High: 10, Medium: 10},
		Components:  1,
		ChecksTotal: 11,
	})
	assert.Equal(t, 0, score)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		want   string
	}{
		{"negative penalty", func(p *Policy) { p.LowPenalty = -1 }, "low_penalty"},
		{"zero critical penalty", func(p *Policy) { p.CriticalPenalty = 0 }, "critical_penalty must be positive"},
		{"outdated weight too large", func(p *Policy) { p.OutdatedWeight = 11 }, "outdated_weight"},
		{"critical cap too high", func(p *Policy) { p.CriticalCap = 41 }, "critical_cap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
