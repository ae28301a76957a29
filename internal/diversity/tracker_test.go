package diversity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAgentAssignsFixedProfile(t *testing.T) {
	tr := NewTracker(1, false)
	p := Skeptic
	assigned := tr.RegisterAgent("a1", &p)
	require.Equal(t, Skeptic, assigned)
	got, ok := tr.AgentPerspective("a1")
	require.True(t, ok)
	require.Equal(t, Skeptic, got)
}

func TestDiversityMonotonicityAfterNewPerspective(t *testing.T) {
	tr := NewTracker(2, false)
	p1 := Optimist
	tr.RegisterAgent("a1", &p1)
	before := tr.GetDiversityMetrics().OverallDiversity

	tr.cachedAt = time.Time{} // force recompute in test
	p2 := Skeptic
	tr.RegisterAgent("a2", &p2)
	after := tr.GetDiversityMetrics().OverallDiversity

	require.GreaterOrEqual(t, after, before)
}

func TestRecordDecisionBoundsHistory(t *testing.T) {
	tr := NewTracker(3, false)
	p := Pragmatist
	tr.RegisterAgent("a1", &p)
	for i := 0; i < 30; i++ {
		tr.RecordDecision(DecisionRecord{AgentID: "a1", Perspective: Pragmatist, Timestamp: time.Now()})
	}
	require.Len(t, tr.agents["a1"].history, perAgentHistoryLimit)
	require.LessOrEqual(t, len(tr.global), globalHistoryLimit)
}

func TestGetDiversityMetricsCaches(t *testing.T) {
	tr := NewTracker(4, false)
	p := Optimist
	tr.RegisterAgent("a1", &p)
	m1 := tr.GetDiversityMetrics()
	p2 := Skeptic
	tr.RegisterAgent("a2", &p2) // invalidates cache
	tr.cacheValid = true        // simulate still-warm cache window
	tr.cachedAt = time.Now()
	m2 := tr.GetDiversityMetrics()
	require.Equal(t, m1.OverallDiversity, m2.OverallDiversity)
}

func TestRotatePerspectivePrefersUnderrepresented(t *testing.T) {
	tr := NewTracker(5, false)
	for i := 0; i < 8; i++ {
		p := Optimist
		tr.RegisterAgent(string(rune('a'+i)), &p)
	}
	rotated := tr.RotatePerspective("a")
	require.NotEqual(t, Optimist, rotated)
}

func TestAutoRotateTriggersOnHighAgreement(t *testing.T) {
	tr := NewTracker(6, true)
	p := Optimist
	tr.RegisterAgent("a1", &p)
	before, _ := tr.AgentPerspective("a1")

	for i := 0; i < 10; i++ {
		tr.RecordDecision(DecisionRecord{
			AgentID: "a1", Perspective: before, AgreedWithMajority: true, Timestamp: time.Now(),
		})
	}
	require.False(t, tr.lastRotation.IsZero())
}
