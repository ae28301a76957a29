// Package identity implements the durable agent identity store (§4.2): a
// persistent mapping from display name to (agent_id, auth_token, history),
// distinct from the ephemeral Session a live connection holds.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/peteryuqin/harmonycode/internal/apperror"
	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/snapshot"
)

// RoleChange records one entry in an identity's role_history.
type RoleChange struct {
	Role      string    `json:"role"`
	ChangedAt time.Time `json:"changed_at"`
}

// Identity is the persistent record of one agent (§3).
type Identity struct {
	AgentID            string       `json:"agent_id"`
	DisplayName        string       `json:"display_name"`
	AuthToken          string       `json:"auth_token"`
	Role               string       `json:"role"`
	Perspective        string       `json:"perspective,omitempty"`
	TotalSessions      int          `json:"total_sessions"`
	TotalContributions int          `json:"total_contributions"`
	CreatedAt          time.Time    `json:"created_at"`
	LastSeen           time.Time    `json:"last_seen"`
	RoleHistory        []RoleChange `json:"role_history"`
}

// AuthResult is returned by Authenticate on success (§4.2, §6 auth-success).
type AuthResult struct {
	AgentID            string    `json:"agent_id"`
	AuthToken          string    `json:"auth_token,omitempty"`
	IsReturning        bool      `json:"is_returning"`
	TotalSessions      int       `json:"total_sessions"`
	TotalContributions int       `json:"total_contributions"`
	LastSeen           time.Time `json:"last_seen"`
}

// fileRecord is the on-disk shape for identities.json: a map keyed by
// display_name, matching §6's persisted file layout exactly.
type fileRecord struct {
	AgentID            string       `json:"agent_id"`
	AuthToken          string       `json:"auth_token"`
	TotalSessions      int          `json:"total_sessions"`
	TotalContributions int          `json:"total_contributions"`
	LastSeen           time.Time    `json:"last_seen"`
	RoleHistory        []RoleChange `json:"role_history"`
}

// Store is the durable identity store, persisted to identities.json under
// the workspace's .harmonycode directory.
type Store struct {
	mu   sync.Mutex
	path string
	bus  *bus.Bus

	byName map[string]*Identity
	byID   map[string]*Identity
}

// NewStore constructs a Store rooted at workspaceDir/.harmonycode/identities.json,
// loading any existing state.
func NewStore(workspaceDir string, b *bus.Bus) (*Store, error) {
	s := &Store{
		path:   workspaceDir + "/.harmonycode/identities.json",
		bus:    b,
		byName: make(map[string]*Identity),
		byID:   make(map[string]*Identity),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, exists, err := snapshot.ReadIfExists(s.path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	raw := make(map[string]fileRecord)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse identities.json: %w", err)
	}
	for name, rec := range raw {
		id := &Identity{
			AgentID:            rec.AgentID,
			DisplayName:        name,
			AuthToken:          rec.AuthToken,
			TotalSessions:      rec.TotalSessions,
			TotalContributions: rec.TotalContributions,
			LastSeen:           rec.LastSeen,
			RoleHistory:        rec.RoleHistory,
		}
		if len(rec.RoleHistory) > 0 {
			id.Role = rec.RoleHistory[len(rec.RoleHistory)-1].Role
		}
		s.byName[name] = id
		s.byID[rec.AgentID] = id
	}
	return nil
}

// persistLocked writes identities.json atomically. Disk-write errors are
// logged by the caller but never fail the in-memory operation (§4.1
// failure semantics apply equally here: persistence is a recovery aid).
func (s *Store) persistLocked() error {
	raw := make(map[string]fileRecord, len(s.byName))
	for name, id := range s.byName {
		raw[name] = fileRecord{
			AgentID:            id.AgentID,
			AuthToken:          id.AuthToken,
			TotalSessions:      id.TotalSessions,
			TotalContributions: id.TotalContributions,
			LastSeen:           id.LastSeen,
			RoleHistory:        id.RoleHistory,
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return snapshot.WriteAtomic(s.path, data)
}

func newAgentID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return "agent-" + hex.EncodeToString(b[:])
}

func newAuthToken() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Register creates a new identity for displayName, failing with NAME_TAKEN
// if it already maps to a different agent_id (§4.2).
func (s *Store) Register(displayName string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byName[displayName]; ok {
		return nil, apperror.New(apperror.NameTaken, "display name %q already registered as %s", displayName, existing.AgentID)
	}

	now := time.Now()
	id := &Identity{
		AgentID:     newAgentID(),
		DisplayName: displayName,
		AuthToken:   newAuthToken(),
		CreatedAt:   now,
		LastSeen:    now,
	}
	s.byName[displayName] = id
	s.byID[id.AgentID] = id
	if err := s.persistLocked(); err != nil {
		// Persistence failure is logged by the caller; memory state is authoritative.
		_ = err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicAgentRegistered, bus.AgentRegisteredEvent{AgentID: id.AgentID, DisplayName: displayName})
	}
	cp := *id
	return &cp, nil
}

// Authenticate verifies or first-registers an identity (§4.2). If authToken
// is empty, this is treated as a first-time join: a token is issued and the
// client is expected to persist it for future reconnects.
func (s *Store) Authenticate(displayName, authToken, role, perspective string) (AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[displayName]
	if !ok {
		now := time.Now()
		id = &Identity{
			AgentID:     newAgentID(),
			DisplayName: displayName,
			AuthToken:   newAuthToken(),
			Role:        role,
			Perspective: perspective,
			CreatedAt:   now,
		}
		s.byName[displayName] = id
		s.byID[id.AgentID] = id
	} else if authToken != "" {
		if subtle.ConstantTimeCompare([]byte(authToken), []byte(id.AuthToken)) != 1 {
			return AuthResult{}, apperror.New(apperror.AuthFailed, "auth token mismatch for %q", displayName)
		}
	}
	// authToken == "" on a returning identity: per §4.2 this is only valid
	// when the caller explicitly signals a fresh join; the Hub is
	// responsible for rejecting ambiguous reconnects before calling here.

	isReturning := id.TotalSessions > 0
	id.TotalSessions++
	id.LastSeen = time.Now()
	if role != "" {
		id.Role = role
	}
	if perspective != "" {
		id.Perspective = perspective
	}

	if err := s.persistLocked(); err != nil {
		_ = err
	}

	result := AuthResult{
		AgentID:            id.AgentID,
		IsReturning:        isReturning,
		TotalSessions:      id.TotalSessions,
		TotalContributions: id.TotalContributions,
		LastSeen:           id.LastSeen,
	}
	if authToken == "" {
		result.AuthToken = id.AuthToken
	}
	return result, nil
}

// SwitchRole appends to role_history without mutating agent_id (§4.2).
func (s *Store) SwitchRole(agentID, newRole string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byID[agentID]
	if !ok {
		return apperror.New(apperror.NotFound, "unknown agent %s", agentID)
	}
	id.RoleHistory = append(id.RoleHistory, RoleChange{Role: newRole, ChangedAt: time.Now()})
	id.Role = newRole
	if err := s.persistLocked(); err != nil {
		_ = err
	}
	return nil
}

// IncrementContributions bumps total_contributions for agentID, called
// whenever a contribution passes the diversity gate.
func (s *Store) IncrementContributions(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byID[agentID]; ok {
		id.TotalContributions++
		if err := s.persistLocked(); err != nil {
			_ = err
		}
	}
}

// Get returns a copy of the identity for agentID.
func (s *Store) Get(agentID string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byID[agentID]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// GetByName returns a copy of the identity for displayName.
func (s *Store) GetByName(displayName string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[displayName]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}
