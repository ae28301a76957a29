package orchestration

import (
	"time"

	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/diversity"
)

// ApplyEdit inspects the last edits to the same file; if any edit by a
// different session falls within the conflict window, it reports a
// conflict instead of applying (§4.3). Conflict resolution itself is the
// caller's responsibility via ResolveEditConflict, consulting the Diversity
// Middleware (§4.6).
func (e *Engine) ApplyEdit(file string, op any, sessionID string) (conflict bool, conflicts []Edit, err error) {
	now := time.Now()
	newEdit := Edit{
		File:         file,
		Op:           op,
		VersionClock: now.UnixMilli(),
		SessionID:    sessionID,
		AppliedAt:    now,
	}

	e.mu.Lock()
	history := e.edits[file]
	for _, existing := range history {
		if existing.SessionID == sessionID {
			continue
		}
		delta := newEdit.VersionClock - existing.VersionClock
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Millisecond < e.cfg.EditConflictWindow {
			conflicts = append(conflicts, existing)
		}
	}

	if len(conflicts) == 0 {
		e.edits[file] = append(history, newEdit)
	}
	e.mu.Unlock()

	if len(conflicts) > 0 {
		conflicts = append(conflicts, newEdit)
		e.publish(bus.TopicEditConflict, bus.EditEvent{File: file, SessionID: sessionID, Conflict: true})
		return true, conflicts, nil
	}

	e.publish(bus.TopicEditApplied, bus.EditEvent{File: file, SessionID: sessionID, Conflict: false})
	return false, nil, nil
}

// PerspectiveLookup resolves the perspective a session's agent currently
// holds, used when weighting conflicting edits and votes by perspective.
type PerspectiveLookup func(sessionID string) (diversity.Perspective, bool)

// ResolveEditConflict groups conflicting edits by perspective and returns
// the winning edit per the fixed conflict-weight table (§4.6). Every edit
// is weighted with confidence 1.0 — the reference core has no independent
// confidence signal beyond perspective and recency, and recency is already
// captured by which edit entered the conflicts list last.
func ResolveEditConflict(conflicts []Edit, lookup PerspectiveLookup) (Edit, bool) {
	if len(conflicts) == 0 {
		return Edit{}, false
	}
	entries := make([]diversity.ConflictingEdit, 0, len(conflicts))
	for _, c := range conflicts {
		p, _ := lookup(c.SessionID)
		entries = append(entries, diversity.ConflictingEdit{
			SessionID:   c.SessionID,
			Perspective: p,
			Confidence:  1.0,
			Payload:     c,
		})
	}
	winner, ok := diversity.ResolveConflict(entries)
	if !ok {
		return Edit{}, false
	}
	return winner.Payload.(Edit), true
}
