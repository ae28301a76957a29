package diversity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Config holds the tunables for the enforcer gate (§4.6), normally sourced
// from the workspace config.json.
type Config struct {
	Enabled                   bool
	Strict                    bool
	MinimumAgentsForDiversity int
	MinimumDiversity          float64
	DisagreementQuota         float64
	EvidenceThreshold         float64
}

// MsgType distinguishes the contribution kinds the gate treats differently.
type MsgType string

const (
	MsgChat     MsgType = "chat"
	MsgDecision MsgType = "decision"
	MsgEdit     MsgType = "edit"
	MsgVote     MsgType = "vote"
)

// Contribution is the input to CheckContribution.
type Contribution struct {
	AgentID     string
	Content     string
	MsgType     MsgType
	Evidence    []string
	OtherAgents int // count of other currently-connected agents
}

// CheckResult is the outcome of a contribution check.
type CheckResult struct {
	Allowed         bool
	Content         string // possibly modified (permissive mode prefix)
	Intervention    *Intervention
	RequiredActions []string
}

type check struct {
	intervention *Intervention
	score        float64 // lower = more severe
}

// Enforcer gates each contribution against the diversity requirements and
// produces interventions (§4.6). It is the precheck consulted by the Hub
// before a contribution mutates orchestration state.
type Enforcer struct {
	cfgMu sync.RWMutex
	cfg   Config

	tracker *Tracker

	mu                sync.Mutex
	globalNgramCounts map[string]int
	recentContext     []ContextItem
}

// NewEnforcer constructs an Enforcer bound to a Tracker.
func NewEnforcer(cfg Config, tracker *Tracker) *Enforcer {
	return &Enforcer{
		cfg:               cfg,
		tracker:           tracker,
		globalNgramCounts: make(map[string]int),
	}
}

// UpdateConfig swaps the enforcer's tunables, used by the config watcher to
// apply a reloaded config.json/diversity.yaml without a restart. Readers
// always see either the old or the new Config, never a partial mix of
// fields, since every read goes through config().
func (e *Enforcer) UpdateConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

// config returns a snapshot of the current tunables.
func (e *Enforcer) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// CheckContribution is the top-level gate described in §4.6.
func (e *Enforcer) CheckContribution(c Contribution) CheckResult {
	cfg := e.config()
	if !cfg.Enabled || c.OtherAgents < cfg.MinimumAgentsForDiversity {
		return CheckResult{Allowed: true, Content: c.Content}
	}

	e.mu.Lock()
	analysis := Analyze(c.Content, c.AgentID, e.recentContext, e.globalNgramCounts)
	for _, ng := range nGrams(c.Content, 2, 3) {
		e.globalNgramCounts[ng]++
	}
	e.recentContext = append(e.recentContext, ContextItem{AgentID: c.AgentID, Agrees: analysis.Agrees, Text: c.Content})
	if len(e.recentContext) > 50 {
		e.recentContext = e.recentContext[len(e.recentContext)-50:]
	}
	e.mu.Unlock()

	metrics := e.tracker.GetDiversityMetrics()

	checks := []check{
		e.checkEchoChamber(analysis, c),
		e.checkDisagreementQuota(cfg, metrics, c),
		e.checkEvidence(cfg, analysis, c),
		e.checkPerspectiveDiversity(cfg, metrics, c),
		e.checkConsensusSpeed(metrics, c),
	}

	most := mostSevere(checks)

	perspective, _ := e.tracker.AgentPerspective(c.AgentID)
	e.tracker.RecordDecision(DecisionRecord{
		Timestamp:             time.Now(),
		AgentID:               c.AgentID,
		Decision:              c.Content,
		Perspective:           perspective,
		AgreedWithMajority:    analysis.Agrees,
		EvidenceProvided:      len(c.Evidence) > 0,
		ChallengedAssumptions: len(analysis.Features.DisagreementSignals) > 0,
	})

	if most == nil {
		return CheckResult{Allowed: true, Content: c.Content}
	}

	if cfg.Strict {
		return CheckResult{
			Allowed:         false,
			Intervention:    most,
			RequiredActions: []string{most.RequiredAction},
		}
	}

	return CheckResult{
		Allowed:         true,
		Content:         fmt.Sprintf("[diversity-notice: %s] %s", most.Kind, c.Content),
		Intervention:    most,
		RequiredActions: []string{most.RequiredAction},
	}
}

func mostSevere(checks []check) *Intervention {
	var best *check
	for i := range checks {
		if checks[i].intervention == nil {
			continue
		}
		if best == nil || checks[i].score < best.score {
			best = &checks[i]
		}
	}
	if best == nil {
		return nil
	}
	return best.intervention
}

func (e *Enforcer) checkEchoChamber(a AnalysisResult, c Contribution) check {
	if worst, ok := HighestSeverity(a.EchoPatterns); ok && worst.Severity == SeverityHigh {
		return check{
			intervention: &Intervention{
				Kind:           ForceDisagreement,
				Reason:         "echo chamber: " + string(worst.Kind),
				Target:         c.AgentID,
				RequiredAction: "raise at least one concrete disagreement or risk before continuing",
			},
			score: 0.1,
		}
	}
	return check{score: 1}
}

func (e *Enforcer) checkDisagreementQuota(cfg Config, m DiversityMetrics, c Contribution) check {
	deficit := (1 - m.AgreementRate) // observed disagreement rate complement check below
	required := 1 - cfg.DisagreementQuota
	_ = required
	gap := cfg.DisagreementQuota - (1 - m.AgreementRate)
	if gap > 0.1 {
		probability := gap
		if secureFloat() < probability {
			return check{
				intervention: &Intervention{
					Kind:           ForceDisagreement,
					Reason:         fmt.Sprintf("disagreement quota unmet: have %.2f, need %.2f", 1-m.AgreementRate, cfg.DisagreementQuota),
					Target:         c.AgentID,
					RequiredAction: "provide a dissenting viewpoint before this contribution is accepted",
				},
				score: 0.3,
			}
		}
	}
	_ = deficit
	return check{score: 1}
}

func (e *Enforcer) checkEvidence(cfg Config, a AnalysisResult, c Contribution) check {
	if c.MsgType == MsgDecision && a.EvidenceQuality < cfg.EvidenceThreshold {
		return check{
			intervention: &Intervention{
				Kind:           RequestEvidence,
				Reason:         fmt.Sprintf("evidence quality %.2f below threshold %.2f", a.EvidenceQuality, cfg.EvidenceThreshold),
				Target:         c.AgentID,
				RequiredAction: "cite data, a study, or a benchmark supporting this decision",
			},
			score: 0.4,
		}
	}
	return check{score: 1}
}

func (e *Enforcer) checkPerspectiveDiversity(cfg Config, m DiversityMetrics, c Contribution) check {
	if m.OverallDiversity < cfg.MinimumDiversity {
		return check{
			intervention: &Intervention{
				Kind:           AddPerspective,
				Reason:         fmt.Sprintf("overall diversity %.2f below minimum %.2f", m.OverallDiversity, cfg.MinimumDiversity),
				Target:         c.AgentID,
				RequiredAction: "add or rotate in an underrepresented perspective",
			},
			score: 0.5,
		}
	}
	return check{score: 1}
}

func (e *Enforcer) checkConsensusSpeed(m DiversityMetrics, c Contribution) check {
	if m.LastConsensusSpeed > 4 {
		return check{
			intervention: &Intervention{
				Kind:           ForceDisagreement,
				Reason:         fmt.Sprintf("consensus speed %d exceeds healthy threshold", m.LastConsensusSpeed),
				Target:         c.AgentID,
				RequiredAction: "slow down: challenge the last decision before agreeing again",
			},
			score: 0.2,
		}
	}
	return check{score: 1}
}

// secureFloat returns a uniform float64 in [0,1) from a CSPRNG stream, per
// §9 "random perspective assignment uses a CSPRNG stream".
func secureFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// AssignPerspective assigns a new agent the missing required baseline
// perspective (SKEPTIC, ANALYTICAL) if absent, else the rarest one (§4.6).
func (e *Enforcer) AssignPerspective(requiredBaseline []Perspective) Perspective {
	metrics := e.tracker.GetDiversityMetrics()
	_ = metrics

	counts := make(map[Perspective]int)
	for _, p := range AllPerspectives {
		counts[p] = 0
	}
	e.tracker.mu.Lock()
	for _, ap := range e.tracker.agents {
		counts[ap.perspective]++
	}
	e.tracker.mu.Unlock()

	for _, p := range requiredBaseline {
		if counts[p] == 0 {
			return p
		}
	}

	rarest := AllPerspectives[0]
	for _, p := range AllPerspectives {
		if counts[p] < counts[rarest] {
			rarest = p
		}
	}
	return rarest
}

// WeightedVote is one vote's perspective-aware weight, computed per §4.6.
type WeightedVote struct {
	SessionID   string
	Choice      string
	Weight      float64
	Evidence    []string
	Perspective Perspective
}

// VoteWeight computes the weight of a single vote given the perspective
// distribution among all voters on the same proposal (§4.6).
func VoteWeight(perspective Perspective, evidence []string, soleBearerOfPerspective bool) float64 {
	weight := 1.0
	if soleBearerOfPerspective {
		weight *= 1.5
	}
	if len(evidence) > 0 {
		weight *= 1.2
	}
	if perspective == Analytical && len(evidence) >= 3 {
		weight *= 1.1
	}
	if perspective == Skeptic {
		weight *= 1.1
	}
	return weight
}

// ResolveDecision groups votes by choice and returns the argmax under the
// formula score = Σweight·(1 + 0.5·(#perspectives/9) + 0.3·(evidence_count/vote_count)) (§4.6).
func ResolveDecision(votes []WeightedVote) (winner string, diversityScore float64) {
	type group struct {
		totalWeight   float64
		perspectives  map[Perspective]bool
		evidenceCount int
		voteCount     int
	}
	groups := make(map[string]*group)
	for _, v := range votes {
		g, ok := groups[v.Choice]
		if !ok {
			g = &group{perspectives: make(map[Perspective]bool)}
			groups[v.Choice] = g
		}
		g.totalWeight += v.Weight
		if v.Perspective != "" {
			g.perspectives[v.Perspective] = true
		}
		if len(v.Evidence) > 0 {
			g.evidenceCount++
		}
		g.voteCount++
	}

	var best string
	var bestScore float64
	var bestDiversity float64
	first := true
	for choice, g := range groups {
		perspectiveFrac := float64(len(g.perspectives)) / 9.0
		evidenceFrac := 0.0
		if g.voteCount > 0 {
			evidenceFrac = float64(g.evidenceCount) / float64(g.voteCount)
		}
		score := g.totalWeight * (1 + 0.5*perspectiveFrac + 0.3*evidenceFrac)
		if first || score > bestScore {
			best = choice
			bestScore = score
			bestDiversity = perspectiveFrac
			first = false
		}
	}
	return best, bestDiversity
}

// ConflictingEdit is one edit involved in a conflict, tagged with its
// author's perspective and a confidence score.
type ConflictingEdit struct {
	SessionID   string
	Perspective Perspective
	Confidence  float64
	Payload     any
}

// ResolveConflict groups conflicting edits by perspective, applies the
// fixed conflict weight table times a distinct-perspective multiplier, and
// returns the edit with the highest weighted confidence (§4.6).
func ResolveConflict(edits []ConflictingEdit) (ConflictingEdit, bool) {
	if len(edits) == 0 {
		return ConflictingEdit{}, false
	}

	distinct := make(map[Perspective]bool)
	for _, e := range edits {
		distinct[e.Perspective] = true
	}
	multiplier := 1 + 0.2*float64(len(distinct))

	best := edits[0]
	bestScore := math.Inf(-1)
	for _, e := range edits {
		weighted := ConflictWeight(e.Perspective) * multiplier * e.Confidence
		if weighted > bestScore {
			bestScore = weighted
			best = e
		}
	}
	return best, true
}
