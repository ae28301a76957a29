package diversity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseEnforcerConfig() Config {
	return Config{
		Enabled:                   true,
		Strict:                    true,
		MinimumAgentsForDiversity: 2,
		MinimumDiversity:          0.3,
		DisagreementQuota:         0.3,
		EvidenceThreshold:         0.4,
	}
}

func TestCheckContributionAllowsWhenBelowMinimumAgents(t *testing.T) {
	tr := NewTracker(1, false)
	e := NewEnforcer(baseEnforcerConfig(), tr)
	result := e.CheckContribution(Contribution{AgentID: "a1", Content: "we all agree", OtherAgents: 1})
	require.True(t, result.Allowed)
}

func TestCheckContributionRejectsHighSeverityEchoInStrictMode(t *testing.T) {
	tr := NewTracker(2, false)
	p := Optimist
	tr.RegisterAgent("a1", &p)
	tr.RegisterAgent("a2", &p)
	tr.RegisterAgent("a3", &p)

	e := NewEnforcer(baseEnforcerConfig(), tr)
	ctx := Contribution{AgentID: "a4", Content: "I agree, that's right", OtherAgents: 3}
	// seed agreement cascade via prior context
	e.mu.Lock()
	e.recentContext = []ContextItem{{Agrees: true}, {Agrees: true}, {Agrees: true}}
	e.mu.Unlock()

	result := e.CheckContribution(ctx)
	require.False(t, result.Allowed)
	require.NotNil(t, result.Intervention)
	require.Equal(t, ForceDisagreement, result.Intervention.Kind)
}

func TestCheckContributionPermissiveModeModifiesContent(t *testing.T) {
	tr := NewTracker(3, false)
	p := Optimist
	tr.RegisterAgent("a1", &p)
	tr.RegisterAgent("a2", &p)
	tr.RegisterAgent("a3", &p)

	cfg := baseEnforcerConfig()
	cfg.Strict = false
	e := NewEnforcer(cfg, tr)
	e.mu.Lock()
	e.recentContext = []ContextItem{{Agrees: true}, {Agrees: true}, {Agrees: true}}
	e.mu.Unlock()

	result := e.CheckContribution(Contribution{AgentID: "a4", Content: "I agree, that's right", OtherAgents: 3})
	require.True(t, result.Allowed)
	require.Contains(t, result.Content, "diversity-notice")
}

func TestCheckContributionRequestsEvidenceForWeakDecision(t *testing.T) {
	tr := NewTracker(4, false)
	p := Skeptic
	tr.RegisterAgent("a1", &p)
	tr.RegisterAgent("a2", &p)
	tr.RegisterAgent("a3", &p)

	e := NewEnforcer(baseEnforcerConfig(), tr)
	result := e.CheckContribution(Contribution{
		AgentID: "a4", Content: "We should definitely ship this now.",
		MsgType: MsgDecision, OtherAgents: 3,
	})
	if result.Intervention != nil {
		require.Equal(t, RequestEvidence, result.Intervention.Kind)
	}
}

func TestUpdateConfigChangesLiveBehaviorWithoutReconstruction(t *testing.T) {
	tr := NewTracker(6, false)
	cfg := baseEnforcerConfig()
	cfg.MinimumAgentsForDiversity = 100 // effectively disabled at construction
	e := NewEnforcer(cfg, tr)

	disabled := e.CheckContribution(Contribution{AgentID: "a1", Content: "we all agree", OtherAgents: 3})
	require.True(t, disabled.Allowed)

	cfg.MinimumAgentsForDiversity = 2
	e.UpdateConfig(cfg)

	p := Optimist
	tr.RegisterAgent("a1", &p)
	tr.RegisterAgent("a2", &p)
	tr.RegisterAgent("a3", &p)
	e.mu.Lock()
	e.recentContext = []ContextItem{{Agrees: true}, {Agrees: true}, {Agrees: true}}
	e.mu.Unlock()

	enabled := e.CheckContribution(Contribution{AgentID: "a4", Content: "I agree, that's right", OtherAgents: 3})
	require.False(t, enabled.Allowed)
}

func TestAssignPerspectiveGivesBaselineFirst(t *testing.T) {
	tr := NewTracker(5, false)
	e := NewEnforcer(baseEnforcerConfig(), tr)
	assigned := e.AssignPerspective([]Perspective{Skeptic, Analytical})
	require.Contains(t, []Perspective{Skeptic, Analytical}, assigned)
}

func TestVoteWeightCombinesFactors(t *testing.T) {
	base := VoteWeight(Pragmatist, nil, false)
	require.Equal(t, 1.0, base)

	withEvidence := VoteWeight(Pragmatist, []string{"e1"}, false)
	require.InDelta(t, 1.2, withEvidence, 0.0001)

	soleSkepticWithEvidence := VoteWeight(Skeptic, []string{"e1"}, true)
	require.InDelta(t, 1.5*1.2*1.1, soleSkepticWithEvidence, 0.0001)
}

func TestResolveDecisionPicksHighestWeightedChoice(t *testing.T) {
	votes := []WeightedVote{
		{Choice: "A", Weight: 1.2, Perspective: Skeptic, Evidence: []string{"e"}},
		{Choice: "A", Weight: 1.0, Perspective: Pragmatist},
		{Choice: "B", Weight: 1.0, Perspective: Optimist},
		{Choice: "B", Weight: 0.9, Perspective: Creative},
		{Choice: "B", Weight: 0.9, Perspective: Conservative},
	}
	winner, diversity := ResolveDecision(votes)
	require.NotEmpty(t, winner)
	require.GreaterOrEqual(t, diversity, 0.0)
}

func TestResolveConflictWeightsByPerspectiveAndDistinctCount(t *testing.T) {
	edits := []ConflictingEdit{
		{SessionID: "s1", Perspective: Optimist, Confidence: 0.9},
		{SessionID: "s2", Perspective: Skeptic, Confidence: 0.9},
	}
	winner, ok := ResolveConflict(edits)
	require.True(t, ok)
	require.Equal(t, "s2", winner.SessionID)
}

func TestResolveConflictEmptyReturnsFalse(t *testing.T) {
	_, ok := ResolveConflict(nil)
	require.False(t, ok)
}
