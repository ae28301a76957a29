package diversity

import (
	"regexp"
	"strings"
)

// Features is the fixed feature vector extracted from a single statement.
type Features struct {
	Sentiment          float64  `json:"sentiment"`
	Certainty          float64  `json:"certainty"`
	Innovation         float64  `json:"innovation"`
	RiskAwareness      float64  `json:"risk_awareness"`
	EvidenceBased      float64  `json:"evidence_based"`
	AgreementSignals   []string `json:"agreement_signals"`
	DisagreementSignals []string `json:"disagreement_signals"`
	Keywords           []string `json:"keywords"`
}

// EchoPatternKind is one of the four detectable conversational symptoms of
// reduced intellectual diversity.
type EchoPatternKind string

const (
	PhraseRepetition EchoPatternKind = "PHRASE_REPETITION"
	AgreementCascade EchoPatternKind = "AGREEMENT_CASCADE"
	Groupthink       EchoPatternKind = "GROUPTHINK"
	Bandwagon        EchoPatternKind = "BANDWAGON"
)

// Severity is a coarse HIGH/MEDIUM/LOW rating attached to an echo pattern.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// EchoPattern is one detected echo-chamber symptom.
type EchoPattern struct {
	Kind     EchoPatternKind `json:"kind"`
	Severity Severity        `json:"severity"`
	Detail   string          `json:"detail"`
}

// AnalysisResult is the full output of analyzing one statement.
type AnalysisResult struct {
	Features            Features       `json:"features"`
	Perspective         Perspective    `json:"perspective"`
	PerspectiveScore    float64        `json:"perspective_score"`
	EchoPatterns        []EchoPattern  `json:"echo_patterns"`
	EvidenceQuality     float64        `json:"evidence_quality"`
	DiversityContribution float64      `json:"diversity_contribution"`
	Agrees               bool          `json:"agrees"`
}

// ContextItem is one prior statement's analysis, used to detect
// conversation-level echo patterns.
type ContextItem struct {
	AgentID string
	Agrees  bool
	Text    string
}

// Fixed keyword lexicons (§4.4). Kept as package-level vars so the lists are
// easy to extend without touching the scoring logic.
var (
	positiveWords = []string{"great", "excellent", "love", "excited", "fantastic", "amazing", "agree", "yes", "perfect"}
	negativeWords = []string{"concern", "worried", "risk", "problem", "issue", "disagree", "no", "fail", "wrong"}

	innovationWords = []string{"new", "novel", "innovative", "creative", "disrupt", "reimagine", "breakthrough", "experiment"}
	riskWords       = []string{"risk", "danger", "caution", "careful", "safety", "vulnerable", "threat", "unstable"}

	certaintyWords   = []string{"definitely", "certainly", "always", "never", "guaranteed", "sure", "obviously"}
	uncertaintyWords = []string{"maybe", "perhaps", "might", "could", "unsure", "possibly", "unclear"}

	agreementPhrases    = []string{"i agree", "agreed", "same here", "exactly", "me too", "that's right", "well said"}
	disagreementPhrases = []string{"i disagree", "not sure about", "on the other hand", "however", "but consider", "i'd push back"}

	groupthinkPhrases = []string{"we all agree", "consensus is clear", "everyone is on board", "no objections here"}
	bandwagonPhrases   = []string{"since everyone", "like others said", "as everyone knows", "following the group"}

	vagueMarkers = []string{"obviously", "everyone knows", "clearly", "of course"}
)

var (
	evidenceStudyRe    = regexp.MustCompile(`(?i)studies show|research shows|according to`)
	evidenceDataRe     = regexp.MustCompile(`(?i)data indicate|data shows|statistics show`)
	evidencePercentRe  = regexp.MustCompile(`\d+(\.\d+)?%`)
	evidenceBenchmarkRe = regexp.MustCompile(`(?i)benchmark|baseline|measured`)
	evidenceSourceRe   = regexp.MustCompile(`(?i)source:|citation:|\[\d+\]`)
)

func countHits(text string, phrases []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, p := range phrases {
		n += strings.Count(lower, strings.ToLower(p))
	}
	return n
}

func matchedPhrases(text string, phrases []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			out = append(out, p)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractFeatures computes the fixed feature vector from raw statement text.
func extractFeatures(statement string) Features {
	pos := countHits(statement, positiveWords)
	neg := countHits(statement, negativeWords)
	sentiment := clampSigned(float64(pos-neg) / float64(max(1, pos+neg)))

	certain := countHits(statement, certaintyWords)
	uncertain := countHits(statement, uncertaintyWords)
	certainty := clamp01(0.5 + float64(certain-uncertain)*0.15)

	innov := countHits(statement, innovationWords)
	innovation := clamp01(float64(innov) * 0.25)

	risk := countHits(statement, riskWords)
	riskAwareness := clamp01(float64(risk) * 0.25)

	evidenceBased := clamp01(evidenceQuality(statement))

	return Features{
		Sentiment:           sentiment,
		Certainty:           certainty,
		Innovation:          innovation,
		RiskAwareness:       riskAwareness,
		EvidenceBased:       evidenceBased,
		AgreementSignals:    matchedPhrases(statement, agreementPhrases),
		DisagreementSignals: matchedPhrases(statement, disagreementPhrases),
		Keywords:            extractKeywords(statement),
	}
}

func extractKeywords(statement string) []string {
	fields := strings.Fields(strings.ToLower(statement))
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) < 5 {
			continue
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// evidenceQuality is a weighted sum of regex hits minus vague-marker
// penalties, clamped to [0,1] (§4.4).
func evidenceQuality(statement string) float64 {
	score := 0.0
	if evidenceStudyRe.MatchString(statement) {
		score += 0.3
	}
	if evidenceDataRe.MatchString(statement) {
		score += 0.3
	}
	if evidencePercentRe.MatchString(statement) {
		score += 0.2
	}
	if evidenceBenchmarkRe.MatchString(statement) {
		score += 0.2
	}
	if evidenceSourceRe.MatchString(statement) {
		score += 0.2
	}
	score -= float64(countHits(statement, vagueMarkers)) * 0.2
	return clamp01(score)
}

// detectPerspective applies the fixed rule table (§4.4), returning the
// highest-scoring perspective or PRAGMATIST at 0.5 by default.
func detectPerspective(f Features) (Perspective, float64) {
	type candidate struct {
		p     Perspective
		score float64
	}
	var candidates []candidate

	if f.Sentiment > 0.5 && f.Innovation > 0.5 {
		candidates = append(candidates, candidate{Optimist, 0.8}, candidate{Innovator, 0.7})
	}
	if f.Certainty < 0.3 && f.EvidenceBased > 0.5 {
		candidates = append(candidates, candidate{Skeptic, 0.8}, candidate{Analytical, 0.7})
	}
	if f.Innovation < 0.3 && f.RiskAwareness > 0.5 {
		candidates = append(candidates, candidate{Conservative, 0.8})
	}
	if abs(f.Sentiment) < 0.3 && f.EvidenceBased > 0.3 {
		candidates = append(candidates, candidate{Pragmatist, 0.7})
	}
	if f.Innovation > 0.7 {
		candidates = append(candidates, candidate{Creative, 0.6})
	}

	if len(candidates) == 0 {
		return Pragmatist, 0.5
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best.p, best.score
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// detectEchoPatterns inspects the current statement plus recent context for
// the four fixed echo-pattern kinds (§4.4).
func detectEchoPatterns(statement string, agrees bool, recent []ContextItem, globalNgramCounts map[string]int) []EchoPattern {
	var patterns []EchoPattern

	for _, ngram := range nGrams(statement, 2, 3) {
		if globalNgramCounts[ngram] > 2 {
			patterns = append(patterns, EchoPattern{
				Kind: PhraseRepetition, Severity: SeverityMedium,
				Detail: "repeated phrase: " + ngram,
			})
			break
		}
	}

	if agrees {
		agreeCount := 0
		n := len(recent)
		start := 0
		if n > 3 {
			start = n - 3
		}
		for _, item := range recent[start:] {
			if item.Agrees {
				agreeCount++
			}
		}
		if agreeCount >= 2 {
			patterns = append(patterns, EchoPattern{
				Kind: AgreementCascade, Severity: SeverityHigh,
				Detail: "statement agrees; 2+ of last 3 context items also agreed",
			})
		}
	}

	if hit := matchedPhrases(statement, groupthinkPhrases); len(hit) > 0 {
		patterns = append(patterns, EchoPattern{Kind: Groupthink, Severity: SeverityHigh, Detail: hit[0]})
	}
	if hit := matchedPhrases(statement, bandwagonPhrases); len(hit) > 0 {
		patterns = append(patterns, EchoPattern{Kind: Bandwagon, Severity: SeverityMedium, Detail: hit[0]})
	}

	return patterns
}

// nGrams returns word n-grams of sizes 2 and 3 from the statement, lowercased.
func nGrams(statement string, minN, maxN int) []string {
	words := strings.Fields(strings.ToLower(statement))
	var grams []string
	for n := minN; n <= maxN; n++ {
		for i := 0; i+n <= len(words); i++ {
			grams = append(grams, strings.Join(words[i:i+n], " "))
		}
	}
	return grams
}

func severityPenalty(s Severity) float64 {
	switch s {
	case SeverityHigh:
		return 0.3
	case SeverityMedium:
		return 0.2
	case SeverityLow:
		return 0.1
	default:
		return 0
	}
}

// diversityContribution computes the baseline-plus-adjustments score (§4.4).
func diversityContribution(f Features, evidenceQ float64, patterns []EchoPattern) float64 {
	score := 0.5
	if len(f.DisagreementSignals) > 0 {
		score += 0.3
	}
	score += 0.2 * evidenceQ
	for _, p := range patterns {
		score -= severityPenalty(p.Severity)
	}
	score += clamp01(float64(len(f.Keywords))/10.0) * 0.2
	return clamp01(score)
}

// Analyze is the pure entry point described in §4.4: it takes a statement
// plus enough rolling context to detect cross-statement echo patterns, and
// is deterministic for fixed inputs (an explicit testable property, §8).
func Analyze(statement, agentID string, recentContext []ContextItem, globalNgramCounts map[string]int) AnalysisResult {
	features := extractFeatures(statement)
	perspective, pscore := detectPerspective(features)
	agrees := len(features.AgreementSignals) > 0 && len(features.DisagreementSignals) == 0
	patterns := detectEchoPatterns(statement, agrees, recentContext, globalNgramCounts)
	evidenceQ := evidenceQuality(statement)
	contribution := diversityContribution(features, evidenceQ, patterns)

	return AnalysisResult{
		Features:               features,
		Perspective:            perspective,
		PerspectiveScore:       pscore,
		EchoPatterns:           patterns,
		EvidenceQuality:        evidenceQ,
		DiversityContribution:  contribution,
		Agrees:                 agrees,
	}
}

// HighestSeverity returns the most severe echo pattern in the set, or false
// if none were detected.
func HighestSeverity(patterns []EchoPattern) (EchoPattern, bool) {
	rank := map[Severity]int{SeverityHigh: 3, SeverityMedium: 2, SeverityLow: 1}
	var best EchoPattern
	found := false
	for _, p := range patterns {
		if !found || rank[p.Severity] > rank[best.Severity] {
			best = p
			found = true
		}
	}
	return best, found
}
