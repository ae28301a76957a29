package orchestration

import (
	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/diversity"
)

// RecordVote upserts by (proposal_id, session) — re-casting replaces the
// prior vote (§3, §4.3, "vote upsert" in §8).
func (e *Engine) RecordVote(proposalID, sessionID, choice string, evidence []string, perspective string) {
	e.mu.Lock()
	votes, ok := e.votes[proposalID]
	if !ok {
		votes = make(map[string]Vote)
		e.votes[proposalID] = votes
	}
	votes[sessionID] = Vote{
		ProposalID:  proposalID,
		SessionID:   sessionID,
		Choice:      choice,
		Evidence:    evidence,
		Perspective: perspective,
	}
	e.mu.Unlock()

	e.publish(bus.TopicVoteRecorded, bus.VoteEvent{ProposalID: proposalID, SessionID: sessionID, Choice: choice})
}

// CheckVotingComplete reports whether the number of recorded votes on
// proposalID is at least nonOfflineAgentCount (§4.3).
func (e *Engine) CheckVotingComplete(proposalID string, nonOfflineAgentCount int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.votes[proposalID]) >= nonOfflineAgentCount
}

// ResolveProposal groups the recorded votes for proposalID by choice using
// the perspective-aware weighting formula from §4.6, and returns the
// winning choice plus its diversity score.
func (e *Engine) ResolveProposal(proposalID string) (winner string, diversityScore float64, ok bool) {
	e.mu.RLock()
	votes := e.votes[proposalID]
	if len(votes) == 0 {
		e.mu.RUnlock()
		return "", 0, false
	}
	snapshot := make([]Vote, 0, len(votes))
	for _, v := range votes {
		snapshot = append(snapshot, v)
	}
	e.mu.RUnlock()

	perspectiveCounts := make(map[diversity.Perspective]int)
	for _, v := range snapshot {
		if v.Perspective != "" {
			perspectiveCounts[diversity.Perspective(v.Perspective)]++
		}
	}

	weighted := make([]diversity.WeightedVote, 0, len(snapshot))
	for _, v := range snapshot {
		p := diversity.Perspective(v.Perspective)
		sole := p != "" && perspectiveCounts[p] == 1
		weight := diversity.VoteWeight(p, v.Evidence, sole)
		weighted = append(weighted, diversity.WeightedVote{
			SessionID:   v.SessionID,
			Choice:      v.Choice,
			Weight:      weight,
			Evidence:    v.Evidence,
			Perspective: p,
		})
	}

	winner, diversityScore = diversity.ResolveDecision(weighted)
	e.publish(bus.TopicVoteResolved, bus.VoteEvent{ProposalID: proposalID, Choice: winner, Resolved: true})
	return winner, diversityScore, true
}
