// Package locks implements the Lock Manager (§4.1): the atomic "exactly one
// agent wins the right to claim task T" primitive the Orchestration Engine
// relies on for every task assignment.
package locks

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/snapshot"
)

// ClaimStatus is the lifecycle state of a Claim.
type ClaimStatus string

const (
	ClaimPending    ClaimStatus = "pending"
	ClaimInProgress ClaimStatus = "in_progress"
	ClaimCompleted  ClaimStatus = "completed"
)

type lockEntry struct {
	TaskID    string    `json:"task_id"`
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"lock_token"`
}

// Claim is the durable ownership record created when a lock is successfully
// claimed (§3). At most one non-completed Claim exists per task_id.
type Claim struct {
	TaskID    string      `json:"task_id"`
	AgentID   string      `json:"agent"`
	ClaimedAt time.Time   `json:"claimed_at"`
	Status    ClaimStatus `json:"status"`
}

// LockStatusInfo is returned by LockStatus (§4.1).
type LockStatusInfo struct {
	Locked       bool   `json:"locked"`
	Owner        string `json:"owner,omitempty"`
	ExpiresInMs  int64  `json:"expires_in_ms,omitempty"`
}

const snapshotVersion = 1

type locksFile struct {
	Version int                   `json:"version"`
	Locks   map[string]lockEntry  `json:"locks"`
}

type claimsFile struct {
	Version int              `json:"version"`
	Claims  map[string]Claim `json:"claims"`
}

// Manager is the in-memory lock/claim table with expiry, matching §4.1's
// concurrency requirement that acquire/release/claim are atomic relative to
// each other — every operation below runs under a single mutex and performs
// no blocking I/O inside the critical section (§5); snapshot writes happen
// after the lock is released, against a copy.
type Manager struct {
	mu sync.Mutex

	ttl          time.Duration
	locksPath    string
	claimsPath   string
	logger       *slog.Logger
	bus          *bus.Bus

	locks  map[string]*lockEntry
	claims map[string]*Claim
}

// NewManager constructs a Manager rooted at workspaceDir/.harmonycode, loading
// any existing locks.json/claims.json and discarding already-expired locks.
func NewManager(workspaceDir string, ttl time.Duration, b *bus.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		ttl:        ttl,
		locksPath:  workspaceDir + "/.harmonycode/task-locks.json",
		claimsPath: workspaceDir + "/.harmonycode/task-claims.json",
		logger:     logger,
		bus:        b,
		locks:      make(map[string]*lockEntry),
		claims:     make(map[string]*Claim),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	now := time.Now()

	if data, exists, err := snapshot.ReadIfExists(m.locksPath); err != nil {
		return err
	} else if exists {
		var f locksFile
		if err := json.Unmarshal(data, &f); err == nil {
			for id, entry := range f.Locks {
				if entry.ExpiresAt.After(now) {
					e := entry
					m.locks[id] = &e
				}
			}
		}
	}

	if data, exists, err := snapshot.ReadIfExists(m.claimsPath); err != nil {
		return err
	} else if exists {
		var f claimsFile
		if err := json.Unmarshal(data, &f); err == nil {
			for id, c := range f.Claims {
				claim := c
				m.claims[id] = &claim
			}
		}
	}
	return nil
}

func newLockToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// persistLocksLocked snapshots the current lock table. Any disk-write error
// is logged but never fails the caller's operation — memory state is
// authoritative at runtime (§4.1 failure semantics).
func (m *Manager) persistLocksLocked() {
	out := make(map[string]lockEntry, len(m.locks))
	for id, e := range m.locks {
		out[id] = *e
	}
	data, err := json.MarshalIndent(locksFile{Version: snapshotVersion, Locks: out}, "", "  ")
	if err != nil {
		m.logger.Error("marshal task-locks.json", "error", err)
		return
	}
	if err := snapshot.WriteAtomic(m.locksPath, data); err != nil {
		m.logger.Error("persist task-locks.json", "error", err)
	}
}

func (m *Manager) persistClaimsLocked() {
	out := make(map[string]Claim, len(m.claims))
	for id, c := range m.claims {
		out[id] = *c
	}
	data, err := json.MarshalIndent(claimsFile{Version: snapshotVersion, Claims: out}, "", "  ")
	if err != nil {
		m.logger.Error("marshal task-claims.json", "error", err)
		return
	}
	if err := snapshot.WriteAtomic(m.claimsPath, data); err != nil {
		m.logger.Error("persist task-claims.json", "error", err)
	}
}

func (m *Manager) hasLiveClaimLocked(taskID string) bool {
	c, ok := m.claims[taskID]
	return ok && c.Status != ClaimCompleted
}

// Acquire implements §4.1 Acquire: creates a new lock if absent/expired,
// idempotently refreshes if already held by agentID, or returns ok=false if
// held by a different live agent.
func (m *Manager) Acquire(taskID, agentID string) (token string, ok bool) {
	m.mu.Lock()
	now := time.Now()
	entry, exists := m.locks[taskID]
	if exists && entry.ExpiresAt.After(now) && entry.LockedBy != agentID {
		m.mu.Unlock()
		return "", false
	}

	if exists && entry.ExpiresAt.After(now) && entry.LockedBy == agentID {
		entry.ExpiresAt = now.Add(m.ttl)
		tok := entry.Token
		m.persistLocksLocked()
		m.mu.Unlock()
		return tok, true
	}

	newEntry := &lockEntry{
		TaskID:    taskID,
		LockedBy:  agentID,
		LockedAt:  now,
		ExpiresAt: now.Add(m.ttl),
		Token:     newLockToken(),
	}
	m.locks[taskID] = newEntry
	tok := newEntry.Token
	m.persistLocksLocked()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.TopicLockAcquired, bus.LockEvent{TaskID: taskID, AgentID: agentID})
	}
	return tok, true
}

// Release succeeds only if lockToken matches the held lock (§4.1).
func (m *Manager) Release(taskID, lockToken string) bool {
	m.mu.Lock()
	entry, exists := m.locks[taskID]
	if !exists || entry.Token != lockToken {
		m.mu.Unlock()
		return false
	}
	agentID := entry.LockedBy
	delete(m.locks, taskID)
	m.persistLocksLocked()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.TopicLockReleased, bus.LockEvent{TaskID: taskID, AgentID: agentID})
	}
	return true
}

// Claim requires the lock to be held by agentID with a matching token and
// no existing non-completed Claim. On success it creates the Claim and
// releases the lock, since the Claim is the long-term ownership record
// (§4.1).
func (m *Manager) Claim(taskID, agentID, lockToken string) bool {
	m.mu.Lock()
	entry, exists := m.locks[taskID]
	if !exists || entry.Token != lockToken || entry.LockedBy != agentID {
		m.mu.Unlock()
		return false
	}
	if m.hasLiveClaimLocked(taskID) {
		m.mu.Unlock()
		return false
	}

	m.claims[taskID] = &Claim{
		TaskID:    taskID,
		AgentID:   agentID,
		ClaimedAt: time.Now(),
		Status:    ClaimPending,
	}
	delete(m.locks, taskID)
	m.persistClaimsLocked()
	m.persistLocksLocked()
	m.mu.Unlock()
	return true
}

// UpdateStatus is allowed only for the claiming agent (§4.1).
func (m *Manager) UpdateStatus(taskID, agentID string, status ClaimStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[taskID]
	if !ok || c.AgentID != agentID {
		return false
	}
	c.Status = status
	m.persistClaimsLocked()
	return true
}

// IsAvailable is true iff no live lock AND no non-completed claim (§4.1).
func (m *Manager) IsAvailable(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.locks[taskID]; ok && entry.ExpiresAt.After(time.Now()) {
		return false
	}
	return !m.hasLiveClaimLocked(taskID)
}

// LockStatus reports the current lock state for taskID (§4.1).
func (m *Manager) LockStatus(taskID string) LockStatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[taskID]
	if !ok || !entry.ExpiresAt.After(time.Now()) {
		return LockStatusInfo{Locked: false}
	}
	return LockStatusInfo{
		Locked:      true,
		Owner:       entry.LockedBy,
		ExpiresInMs: time.Until(entry.ExpiresAt).Milliseconds(),
	}
}

// ClaimedBy returns the agent holding the live (non-completed) claim on
// taskID, if any.
func (m *Manager) ClaimedBy(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[taskID]
	if !ok || c.Status == ClaimCompleted {
		return "", false
	}
	return c.AgentID, true
}

// CompleteClaim marks a claim completed, freeing the task_id for a future
// claim cycle (used by orchestration on task completion/failure/timeout).
func (m *Manager) CompleteClaim(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[taskID]; ok {
		c.Status = ClaimCompleted
		m.persistClaimsLocked()
	}
}

// Sweep scans locks, drops expired ones, and publishes lock-expired events
// for each. The scheduler package drives this on a 1s tick (§4.1).
func (m *Manager) Sweep() {
	m.mu.Lock()
	now := time.Now()
	var expired []bus.LockEvent
	for id, entry := range m.locks {
		if !entry.ExpiresAt.After(now) {
			expired = append(expired, bus.LockEvent{TaskID: id, AgentID: entry.LockedBy})
			delete(m.locks, id)
		}
	}
	if len(expired) > 0 {
		m.persistLocksLocked()
	}
	m.mu.Unlock()

	if m.bus != nil {
		for _, e := range expired {
			m.bus.Publish(bus.TopicLockExpired, e)
		}
	}
}
