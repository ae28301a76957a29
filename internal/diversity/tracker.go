package diversity

import (
	"math/rand"
	"sync"
	"time"
)

// DecisionRecord is one append-only entry in an agent's (and the global)
// rolling decision history (§3).
type DecisionRecord struct {
	Timestamp           time.Time   `json:"timestamp"`
	AgentID              string      `json:"agent_id"`
	Decision             string      `json:"decision"`
	Perspective          Perspective `json:"perspective"`
	AgreedWithMajority    bool        `json:"agreed_with_majority"`
	EvidenceProvided      bool        `json:"evidence_provided"`
	ChallengedAssumptions bool        `json:"challenged_assumptions"`
}

const (
	perAgentHistoryLimit = 20
	globalHistoryLimit   = 100
	metricsCacheTTL      = 5 * time.Second
	autoRotateInterval   = 30 * time.Minute
)

// DiversityMetrics is the cached snapshot returned by GetDiversityMetrics.
type DiversityMetrics struct {
	OverallDiversity              float64 `json:"overall_diversity"`
	AgreementRate                  float64 `json:"agreement_rate"`
	EvidenceRate                   float64 `json:"evidence_rate"`
	ChallengeRate                  float64 `json:"challenge_rate"`
	LastConsensusSpeed             int     `json:"last_consensus_speed"`
	MinorityPerspectivesPreserved  int     `json:"minority_perspectives_preserved"`
}

type agentProfile struct {
	perspective Perspective
	vector      ScoreVector
	history     []DecisionRecord
}

// Tracker maintains rolling decision history per agent and globally, and
// the cached aggregate diversity metrics derived from it (§4.5).
type Tracker struct {
	mu sync.Mutex

	rng *rand.Rand

	agents map[string]*agentProfile
	global []DecisionRecord

	lastRotation time.Time

	autoRotate bool

	cachedMetrics    DiversityMetrics
	cachedAt         time.Time
	cacheValid       bool
}

// NewTracker creates a Tracker. seed makes perspective assignment
// deterministic for tests (§9, "tests must be able to inject a seed").
func NewTracker(seed int64, autoRotate bool) *Tracker {
	return &Tracker{
		rng:          rand.New(rand.NewSource(seed)),
		agents:       make(map[string]*agentProfile),
		lastRotation: time.Time{},
		autoRotate:   autoRotate,
	}
}

// RegisterAgent assigns profile (or a random perspective if nil) and
// initializes empty history. Overall diversity is non-decreasing after a
// previously-unseen perspective is registered (§8, diversity monotonicity).
func (t *Tracker) RegisterAgent(agentID string, profile *Perspective) Perspective {
	t.mu.Lock()
	defer t.mu.Unlock()

	var p Perspective
	if profile != nil && profile.Valid() {
		p = *profile
	} else {
		p = AllPerspectives[t.rng.Intn(len(AllPerspectives))]
	}
	vector, _ := ScoreVectorFor(p)
	t.agents[agentID] = &agentProfile{perspective: p, vector: vector}
	t.invalidateCache()
	return p
}

// AgentPerspective returns the currently assigned perspective for an agent.
func (t *Tracker) AgentPerspective(agentID string) (Perspective, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ap, ok := t.agents[agentID]
	if !ok {
		return "", false
	}
	return ap.perspective, true
}

// History returns a copy of agentID's rolling decision history, newest last,
// consumed by the Hub's `get-history` frame (§6).
func (t *Tracker) History(agentID string) ([]DecisionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ap, ok := t.agents[agentID]
	if !ok {
		return nil, false
	}
	out := make([]DecisionRecord, len(ap.history))
	copy(out, ap.history)
	return out, true
}

// RecordDecision appends to both per-agent and global history, invalidates
// the metrics cache, and may trigger auto-rotation.
func (t *Tracker) RecordDecision(rec DecisionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ap, ok := t.agents[rec.AgentID]
	if !ok {
		ap = &agentProfile{perspective: rec.Perspective}
		if v, vok := ScoreVectorFor(rec.Perspective); vok {
			ap.vector = v
		}
		t.agents[rec.AgentID] = ap
	}

	ap.history = append(ap.history, rec)
	if len(ap.history) > perAgentHistoryLimit {
		ap.history = ap.history[len(ap.history)-perAgentHistoryLimit:]
	}

	t.global = append(t.global, rec)
	if len(t.global) > globalHistoryLimit {
		t.global = t.global[len(t.global)-globalHistoryLimit:]
	}

	t.invalidateCache()

	if t.autoRotate {
		agreementRate := t.recentAgreementRateLocked()
		if time.Since(t.lastRotation) > autoRotateInterval || agreementRate > 0.8 {
			t.rotateLocked(rec.AgentID)
		}
	}
}

func (t *Tracker) invalidateCache() {
	t.cacheValid = false
}

func (t *Tracker) recentAgreementRateLocked() float64 {
	if len(t.global) == 0 {
		return 0
	}
	n := len(t.global)
	window := t.global
	if n > 20 {
		window = t.global[n-20:]
	}
	agreed := 0
	for _, r := range window {
		if r.AgreedWithMajority {
			agreed++
		}
	}
	return float64(agreed) / float64(len(window))
}

// RotatePerspective picks an underrepresented perspective for agentID,
// falling back to a random one if every perspective is equally represented
// (§4.5).
func (t *Tracker) RotatePerspective(agentID string) Perspective {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rotateLocked(agentID)
}

func (t *Tracker) rotateLocked(agentID string) Perspective {
	counts := t.perspectiveCountsLocked()
	total := len(t.agents)
	threshold := float64(total) / 9.0 * 0.5

	var underrepresented []Perspective
	for _, p := range AllPerspectives {
		if float64(counts[p]) < threshold {
			underrepresented = append(underrepresented, p)
		}
	}

	var next Perspective
	if len(underrepresented) > 0 {
		next = underrepresented[t.rng.Intn(len(underrepresented))]
	} else {
		next = AllPerspectives[t.rng.Intn(len(AllPerspectives))]
	}

	if ap, ok := t.agents[agentID]; ok {
		ap.perspective = next
		if v, vok := ScoreVectorFor(next); vok {
			ap.vector = v
		}
	} else {
		v, _ := ScoreVectorFor(next)
		t.agents[agentID] = &agentProfile{perspective: next, vector: v}
	}
	t.lastRotation = time.Now()
	t.invalidateCache()
	return next
}

func (t *Tracker) perspectiveCountsLocked() map[Perspective]int {
	counts := make(map[Perspective]int, len(AllPerspectives))
	for _, ap := range t.agents {
		counts[ap.perspective]++
	}
	return counts
}

// GetDiversityMetrics returns the cached aggregate metrics, recomputing if
// the 5s cache has expired or was invalidated (§4.5).
func (t *Tracker) GetDiversityMetrics() DiversityMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cacheValid && time.Since(t.cachedAt) < metricsCacheTTL {
		return t.cachedMetrics
	}

	counts := t.perspectiveCountsLocked()
	distinct := 0
	minorityCount := 0
	for _, p := range AllPerspectives {
		if counts[p] > 0 {
			distinct++
		}
		if counts[p] == 1 {
			minorityCount++
		}
	}

	totalAgents := len(t.agents)
	overallDiversity := 0.0
	if totalAgents > 0 {
		overallDiversity = float64(distinct) / float64(totalAgents)
	}

	window := t.global
	if len(window) > 100 {
		window = window[len(window)-100:]
	}
	agreed, evidenced, challenged := 0, 0, 0
	for _, r := range window {
		if r.AgreedWithMajority {
			agreed++
		}
		if r.EvidenceProvided {
			evidenced++
		}
		if r.ChallengedAssumptions {
			challenged++
		}
	}
	denom := float64(max(1, len(window)))

	consensusSpeed := 0
	last5 := window
	if len(last5) > 5 {
		last5 = last5[len(last5)-5:]
	}
	for i := len(last5) - 1; i >= 0; i-- {
		if !last5[i].AgreedWithMajority {
			break
		}
		consensusSpeed++
	}

	t.cachedMetrics = DiversityMetrics{
		OverallDiversity:             overallDiversity,
		AgreementRate:                float64(agreed) / denom,
		EvidenceRate:                 float64(evidenced) / denom,
		ChallengeRate:                float64(challenged) / denom,
		LastConsensusSpeed:           consensusSpeed,
		MinorityPerspectivesPreserved: minorityCount,
	}
	t.cachedAt = time.Now()
	t.cacheValid = true
	return t.cachedMetrics
}
