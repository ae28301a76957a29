package diversity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnalyzeDetectsOptimistInnovator(t *testing.T) {
	result := Analyze("This is a fantastic and innovative new approach, I love it", "a1", nil, map[string]int{})
	require.Equal(t, Optimist, result.Perspective)
}

func TestAnalyzeDetectsSkepticAnalytical(t *testing.T) {
	result := Analyze("Maybe, perhaps unclear, but studies show data indicate a clear 40% effect, source: paper", "a1", nil, map[string]int{})
	require.Equal(t, Skeptic, result.Perspective)
}

func TestAnalyzeDefaultsToPragmatist(t *testing.T) {
	result := Analyze("The meeting is scheduled for Tuesday.", "a1", nil, map[string]int{})
	require.Equal(t, Pragmatist, result.Perspective)
	require.Equal(t, 0.5, result.PerspectiveScore)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	ctx := []ContextItem{{AgentID: "a2", Agrees: true}, {AgentID: "a3", Agrees: true}}
	counts := map[string]int{"i agree completely": 3}
	r1 := Analyze("I agree completely with the plan", "a1", ctx, counts)
	r2 := Analyze("I agree completely with the plan", "a1", ctx, counts)
	require.Equal(t, r1, r2)
}

func TestDetectEchoPatternsAgreementCascade(t *testing.T) {
	ctx := []ContextItem{
		{AgentID: "a2", Agrees: true},
		{AgentID: "a3", Agrees: true},
		{AgentID: "a4", Agrees: false},
	}
	result := Analyze("I agree, that's right", "a1", ctx, map[string]int{})
	found := false
	for _, p := range result.EchoPatterns {
		if p.Kind == AgreementCascade {
			found = true
		}
	}
	require.True(t, found)
}

func TestDetectEchoPatternsGroupthink(t *testing.T) {
	result := Analyze("We all agree this is the best path forward", "a1", nil, map[string]int{})
	found := false
	for _, p := range result.EchoPatterns {
		if p.Kind == Groupthink {
			found = true
		}
	}
	require.True(t, found)
}

func TestEvidenceQualityPenalizesVagueMarkers(t *testing.T) {
	withEvidence := evidenceQuality("studies show a 20% improvement, source: paper1")
	vague := evidenceQuality("obviously everyone knows this is true")
	require.Greater(t, withEvidence, vague)
	require.GreaterOrEqual(t, vague, 0.0)
}

func TestDiversityContributionPenalizesEchoPatterns(t *testing.T) {
	ctx := []ContextItem{{Agrees: true}, {Agrees: true}}
	result := Analyze("I agree completely, that's right", "a1", ctx, map[string]int{})
	require.Less(t, result.DiversityContribution, 0.8)
}
