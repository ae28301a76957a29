// Package hub implements the Connection Hub (§4.7): one accept loop, one
// Session per connection, FIFO per-connection frame dispatch, and the
// bounded-outbound-queue backpressure policy. Grounded on the teacher's
// internal/gateway package (coder/websocket + wsjson, a single client
// struct per connection, JSON-RPC-shaped request/response handling)
// generalized from JSON-RPC method dispatch to this spec's flat
// `{type: "..."}` frame model.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/peteryuqin/harmonycode/internal/apperror"
	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/diversity"
	"github.com/peteryuqin/harmonycode/internal/identity"
	"github.com/peteryuqin/harmonycode/internal/locks"
	"github.com/peteryuqin/harmonycode/internal/orchestration"
	"github.com/peteryuqin/harmonycode/internal/shared"
)

// swarmTaskTypes is the fixed decomposition order used by the `swarm` frame
// (§6, "decompose objective into tasks") — one task per capability bucket
// named in orchestration.capabilityMap.
var swarmTaskTypes = []string{"research", "design", "code", "review", "documentation"}

// Config wires the Hub to every domain component it dispatches frames to.
type Config struct {
	Identity *identity.Store
	Engine   *orchestration.Engine
	Locks    *locks.Manager
	Enforcer *diversity.Enforcer
	Tracker  *diversity.Tracker
	Bus      *bus.Bus

	AuthToken          string
	AllowOrigins       []string
	RateLimitPerMinute int
	RateLimitBurst     int

	Logger *slog.Logger
}

// Server is the Connection Hub: it owns the set of live sessions and
// dispatches every inbound frame to the wired domain components.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	byAgentID map[string]*Session

	startedAt time.Time
}

// New constructs a Hub Server. Call Handler to obtain the http.Handler to
// mount, typically at "/".
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*Session),
		byAgentID: make(map[string]*Session),
		startedAt: time.Now(),
	}
}

// Handler returns the mux for the Hub's WebSocket and observability
// endpoints (§4.7, §6.1).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	sessionID := "session-" + uuid.NewString()
	sess := newSession(sessionID, conn, s.logger, s.evictSlowConsumer)

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	ctx = shared.WithTraceID(ctx, sess.TraceID())
	defer cancel()
	go sess.runWriter(ctx)

	s.logger.Info("hub: session connected", "session_id", sessionID, "trace_id", sess.TraceID())
	defer s.disconnect(sess, "disconnect")

	for {
		var frame InFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.logger.Debug("hub: session read ended", "trace_id", shared.TraceID(ctx), "session_id", sessionID, "error", err)
			return
		}
		s.dispatch(ctx, sess, frame)
	}
}

// dispatch routes one inbound frame to the handler for its type, in the
// order frames arrive on this connection (§5, "per agent: arrival order").
func (s *Server) dispatch(ctx context.Context, sess *Session, frame InFrame) {
	switch frame.Type {
	case "auth":
		s.handleAuth(sess, frame)
	case "message":
		s.handleMessage(sess, frame)
	case "edit":
		s.handleEdit(sess, frame)
	case "task":
		s.handleTask(sess, frame)
	case "vote":
		s.handleVote(sess, frame)
	case "swarm":
		s.handleSwarm(sess, frame)
	case "workflow":
		s.handleWorkflow(sess, frame)
	case "memory":
		s.handleMemory(sess, frame)
	case "whoami":
		s.handleWhoami(sess)
	case "switch-role":
		s.handleSwitchRole(sess, frame)
	case "get-history":
		s.handleGetHistory(sess)
	default:
		sess.enqueue("error", errFrame(string(apperror.Invalid), fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
}

// requireAuth replies with an INVALID error frame and reports false if sess
// has not yet authenticated.
func (s *Server) requireAuth(sess *Session) bool {
	if sess.AgentID() != "" {
		return true
	}
	sess.enqueue("error", errFrame(string(apperror.Forbidden), "session is not authenticated"))
	return false
}

func (s *Server) handleAuth(sess *Session, frame InFrame) {
	result, err := s.cfg.Identity.Authenticate(frame.DisplayName, frame.AuthToken, frame.Role, frame.Perspective)
	if err != nil {
		s.logger.Warn("hub: auth failed", "trace_id", sess.TraceID(), "session_id", sess.id,
			"reason", apperror.CodeOf(err), "auth_token", shared.RedactEnvValue("auth_token", frame.AuthToken))
		sess.enqueue("auth-failed", map[string]any{"reason": apperror.CodeOf(err)})
		return
	}

	sess.setIdentity(result.AgentID, frame.Role)
	s.evictPriorSession(result.AgentID, sess)

	s.mu.Lock()
	s.byAgentID[result.AgentID] = sess
	s.mu.Unlock()

	mode := frame.Role
	if mode == "" {
		mode = "coder"
	}
	s.cfg.Engine.RegisterAgent(result.AgentID, mode)
	if s.cfg.Tracker != nil {
		var p *diversity.Perspective
		if frame.Perspective != "" {
			pv := diversity.Perspective(frame.Perspective)
			p = &pv
		}
		s.cfg.Tracker.RegisterAgent(result.AgentID, p)
	}

	s.logger.Info("hub: auth succeeded", "trace_id", sess.TraceID(), "session_id", sess.id,
		"agent_id", result.AgentID, "is_returning", result.IsReturning,
		"auth_token", shared.RedactEnvValue("auth_token", result.AuthToken))

	sess.enqueue("auth-success", map[string]any{
		"agent_id":            result.AgentID,
		"auth_token":          result.AuthToken,
		"is_returning":        result.IsReturning,
		"total_sessions":      result.TotalSessions,
		"total_contributions": result.TotalContributions,
		"last_seen":           result.LastSeen,
	})
	s.broadcastExcept(sess.id, "session-joined", map[string]any{"agent_id": result.AgentID, "session_id": sess.id})
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicSessionJoined, bus.SessionEvent{SessionID: sess.id, AgentID: result.AgentID})
	}
}

// evictPriorSession closes any existing connection already authenticated as
// agentID, per the identity store's one-live-session-per-agent model.
func (s *Server) evictPriorSession(agentID string, incoming *Session) {
	s.mu.Lock()
	prior, ok := s.byAgentID[agentID]
	s.mu.Unlock()
	if !ok || prior == incoming {
		return
	}
	prior.enqueue("session-left", map[string]any{"agent_id": agentID, "reason": "evicted_by_new_session"})
	prior.stop()
	_ = prior.conn.Close(websocket.StatusNormalClosure, "evicted_by_new_session")
}

func (s *Server) contribution(sess *Session, msgType diversity.MsgType, content string, evidence []string) diversity.CheckResult {
	if s.cfg.Enforcer == nil {
		return diversity.CheckResult{Allowed: true, Content: content}
	}
	s.mu.RLock()
	other := 0
	for id := range s.byAgentID {
		if id != sess.AgentID() {
			other++
		}
	}
	s.mu.RUnlock()
	return s.cfg.Enforcer.CheckContribution(diversity.Contribution{
		AgentID:     sess.AgentID(),
		Content:     content,
		MsgType:     msgType,
		Evidence:    evidence,
		OtherAgents: other,
	})
}

func (s *Server) sendIntervention(sess *Session, iv *diversity.Intervention) {
	if iv == nil {
		return
	}
	sess.enqueue("intervention", map[string]any{
		"kind":            iv.Kind,
		"reason":          iv.Reason,
		"required_action": iv.RequiredAction,
		"deadline":        iv.DeadlineMs,
	})
}

func (s *Server) handleMessage(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	result := s.contribution(sess, diversity.MsgChat, frame.Text, nil)
	if !result.Allowed {
		s.sendIntervention(sess, result.Intervention)
		return
	}
	if result.Intervention != nil {
		s.sendIntervention(sess, result.Intervention)
	}
	s.cfg.Identity.IncrementContributions(sess.AgentID())
	s.broadcast("chat", map[string]any{"agent_id": sess.AgentID(), "text": result.Content})
}

func (s *Server) handleEdit(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	conflict, conflicts, err := s.cfg.Engine.ApplyEdit(frame.File, frame.Edit, sess.id)
	if err != nil {
		sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
		return
	}
	if !conflict {
		s.broadcastExcept(sess.id, "edit", map[string]any{"file": frame.File, "edit": frame.Edit, "session_ref": sess.id})
		return
	}

	lookup := func(sessionID string) (diversity.Perspective, bool) {
		s.mu.RLock()
		other, ok := s.bySessionIDLocked(sessionID)
		s.mu.RUnlock()
		if !ok || s.cfg.Tracker == nil {
			return "", false
		}
		return s.cfg.Tracker.AgentPerspective(other.AgentID())
	}
	winner, resolved := orchestration.ResolveEditConflict(conflicts, lookup)

	payload := map[string]any{"file": frame.File, "conflict": true, "conflicts": conflicts}
	if resolved {
		payload["resolved_edit"] = winner
	}
	sess.enqueue("edit", payload)
}

func (s *Server) bySessionIDLocked(sessionID string) (*Session, bool) {
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *Server) handleTask(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	if !s.allowRate(sess, "task") {
		return
	}

	switch frame.Action {
	case "create":
		var d taskData
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &d); err != nil {
				sess.enqueue("error", errFrame(string(apperror.Invalid), "bad task data: "+err.Error()))
				return
			}
		}
		task, err := s.cfg.Engine.CreateTask(orchestration.TaskInput{
			Type:                 d.Type,
			Description:          d.Description,
			Priority:             orchestration.Priority(d.Priority),
			Dependencies:         d.Dependencies,
			RequiredPerspectives: d.RequiredPerspectives,
			EvidenceRequired:     d.EvidenceRequired,
		})
		if err != nil {
			sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
			return
		}
		s.broadcast("task-created", map[string]any{"task": task})
	case "claim":
		var d taskData
		_ = json.Unmarshal(frame.Data, &d)
		if err := s.cfg.Engine.AssignTask(d.TaskID, sess.AgentID()); err != nil {
			sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
			return
		}
		task, _ := s.cfg.Engine.GetTask(d.TaskID)
		s.broadcast("task-assigned", map[string]any{"task": task})
	case "complete":
		var d taskData
		_ = json.Unmarshal(frame.Data, &d)
		if err := s.cfg.Engine.CompleteTask(d.TaskID, sess.AgentID(), d.Result); err != nil {
			sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
			return
		}
		task, _ := s.cfg.Engine.GetTask(d.TaskID)
		s.broadcast("task-completed", map[string]any{"task": task})
	case "list":
		sess.enqueue("task-list", map[string]any{"tasks": s.cfg.Engine.ListTasks()})
	default:
		sess.enqueue("error", errFrame(string(apperror.Invalid), "unknown task action "+frame.Action))
	}
}

func (s *Server) handleVote(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	result := s.contribution(sess, diversity.MsgVote, frame.Choice, frame.Evidence)
	if !result.Allowed {
		s.sendIntervention(sess, result.Intervention)
		return
	}
	perspective := ""
	if s.cfg.Tracker != nil {
		if p, ok := s.cfg.Tracker.AgentPerspective(sess.AgentID()); ok {
			perspective = string(p)
		}
	}
	s.cfg.Engine.RecordVote(frame.ProposalID, sess.id, frame.Choice, frame.Evidence, perspective)
	sess.enqueue("vote-recorded", map[string]any{"proposal_id": frame.ProposalID})

	if s.cfg.Engine.CheckVotingComplete(frame.ProposalID, s.connectedAgentCount()) {
		winner, diversityScore, ok := s.cfg.Engine.ResolveProposal(frame.ProposalID)
		if ok {
			s.broadcast("vote-resolved", map[string]any{
				"proposal_id":    frame.ProposalID,
				"winner":         winner,
				"diversity_score": diversityScore,
			})
		}
	}
}

func (s *Server) connectedAgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAgentID)
}

func (s *Server) handleSwarm(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	if !s.allowRate(sess, "swarm") {
		return
	}

	var created []orchestration.Task
	for _, taskType := range swarmTaskTypes {
		task, err := s.cfg.Engine.CreateTask(orchestration.TaskInput{
			Type:        taskType,
			Description: fmt.Sprintf("[%s/%s] %s", frame.Strategy, taskType, frame.Objective),
			Priority:    orchestration.PriorityMedium,
		})
		if err != nil {
			continue
		}
		created = append(created, task)
		s.broadcast("task-created", map[string]any{"task": task})
	}
	sess.enqueue("swarm", map[string]any{"objective": frame.Objective, "tasks": created})
}

func (s *Server) handleWorkflow(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	switch frame.Action {
	case "start":
		wf := s.cfg.Engine.StartWorkflow(frame.WorkflowID, frame.Data)
		s.broadcast("discussion-updated", map[string]any{"workflow": wf})
	case "progress":
		wf, err := s.cfg.Engine.UpdateWorkflow(frame.WorkflowID, frame.Data)
		if err != nil {
			sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
			return
		}
		s.broadcast("discussion-updated", map[string]any{"workflow": wf})
	case "complete":
		wf, err := s.cfg.Engine.CompleteWorkflow(frame.WorkflowID, frame.Data)
		if err != nil {
			sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
			return
		}
		s.broadcast("discussion-updated", map[string]any{"workflow": wf})
	default:
		sess.enqueue("error", errFrame(string(apperror.Invalid), "unknown workflow action "+frame.Action))
	}
}

func (s *Server) handleMemory(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	switch frame.Action {
	case "store":
		if err := s.cfg.Engine.StoreMemory(frame.Key, frame.Value); err != nil {
			sess.enqueue("error", errFrame(string(apperror.Internal), err.Error()))
			return
		}
		sess.enqueue("memory-retrieved", map[string]any{"key": frame.Key, "value": frame.Value})
	case "retrieve":
		entry, err := s.cfg.Engine.RetrieveMemory(frame.Key)
		if err != nil {
			sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
			return
		}
		sess.enqueue("memory-retrieved", map[string]any{"key": entry.Key, "value": entry.Value, "stored_at": entry.StoredAt})
	case "list":
		sess.enqueue("memory-list", map[string]any{"keys": s.cfg.Engine.ListMemory()})
	default:
		sess.enqueue("error", errFrame(string(apperror.Invalid), "unknown memory action "+frame.Action))
	}
}

func (s *Server) handleWhoami(sess *Session) {
	if !s.requireAuth(sess) {
		return
	}
	id, ok := s.cfg.Identity.Get(sess.AgentID())
	if !ok {
		sess.enqueue("error", errFrame(string(apperror.NotFound), "identity not found"))
		return
	}
	sess.enqueue("whoami", map[string]any{
		"agent_id":             id.AgentID,
		"display_name":         id.DisplayName,
		"role":                 id.Role,
		"perspective":          id.Perspective,
		"total_contributions": id.TotalContributions,
	})
}

func (s *Server) handleSwitchRole(sess *Session, frame InFrame) {
	if !s.requireAuth(sess) {
		return
	}
	if err := s.cfg.Identity.SwitchRole(sess.AgentID(), frame.NewRole); err != nil {
		sess.enqueue("error", errFrame(string(apperror.CodeOf(err)), err.Error()))
		return
	}
	s.cfg.Engine.RegisterAgent(sess.AgentID(), frame.NewRole)
	sess.setIdentity(sess.AgentID(), frame.NewRole)
	sess.enqueue("whoami", map[string]any{"agent_id": sess.AgentID(), "role": frame.NewRole})
}

func (s *Server) handleGetHistory(sess *Session) {
	if !s.requireAuth(sess) {
		return
	}
	if s.cfg.Tracker == nil {
		sess.enqueue("get-history", map[string]any{"history": []any{}})
		return
	}
	history, _ := s.cfg.Tracker.History(sess.AgentID())
	sess.enqueue("get-history", map[string]any{"history": history})
}

// allowRate guards the `swarm`/`task` frame types per session (§2.10).
func (s *Server) allowRate(sess *Session, frameType string) bool {
	tb := sess.limiter(frameType, s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst)
	if tb.Allow() {
		return true
	}
	sess.enqueue("error", errFrame("RATE_LIMITED", fmt.Sprintf("rate limit exceeded for %q", frameType)))
	return false
}

func (s *Server) broadcast(frameType string, fields map[string]any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.enqueue(frameType, fields)
	}
}

func (s *Server) broadcastExcept(exceptSessionID, frameType string, fields map[string]any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if id == exceptSessionID {
			continue
		}
		sess.enqueue(frameType, fields)
	}
}

// disconnect removes sess from the session table and, if it had completed
// auth, notifies the Orchestration Engine so its in-progress task (if any)
// is reverted to pending (§4.7).
func (s *Server) disconnect(sess *Session, reason string) {
	agentID := sess.AgentID()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	if agentID != "" && s.byAgentID[agentID] == sess {
		delete(s.byAgentID, agentID)
	}
	s.mu.Unlock()

	s.logger.Info("hub: session disconnected", "trace_id", sess.TraceID(), "session_id", sess.id,
		"agent_id", agentID, "reason", reason)

	sess.stop()
	_ = sess.conn.Close(websocket.StatusNormalClosure, "bye")

	if agentID == "" {
		return
	}
	s.cfg.Engine.HandleAgentDisconnect(agentID)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicSessionLeft, bus.SessionEvent{SessionID: sess.id, AgentID: agentID, Reason: reason})
	}
	s.broadcastExcept(sess.id, "session-left", map[string]any{"agent_id": agentID, "reason": reason})
}

// evictSlowConsumer is the Session.onSlow callback: it removes the session
// and runs the same disconnect path as a normal close (§4.7, SLOW_CONSUMER).
func (s *Server) evictSlowConsumer(sess *Session) {
	s.disconnect(sess, "slow_consumer")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	sessionCount := len(s.sessions)
	agentCount := len(s.byAgentID)
	s.mu.RUnlock()

	payload := map[string]any{
		"healthy":       true,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"sessions":      sessionCount,
		"agents":        agentCount,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.RLock()
	sessionCount := len(s.sessions)
	agentCount := len(s.byAgentID)
	s.mu.RUnlock()

	tasks := s.cfg.Engine.ListTasks()
	var pending, inProgress, completed, failed int
	for _, t := range tasks {
		switch t.Status {
		case orchestration.TaskPending:
			pending++
		case orchestration.TaskInProgress:
			inProgress++
		case orchestration.TaskCompleted:
			completed++
		case orchestration.TaskFailed:
			failed++
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := map[string]any{
		"sessions":           sessionCount,
		"agents":             agentCount,
		"tasks_pending":      pending,
		"tasks_in_progress":  inProgress,
		"tasks_completed":    completed,
		"tasks_failed":       failed,
		"alloc_bytes":        mem.Alloc,
	}
	if s.cfg.Tracker != nil {
		payload["diversity"] = s.cfg.Tracker.GetDiversityMetrics()
	}
	if s.cfg.Bus != nil {
		payload["bus_dropped_events"] = s.cfg.Bus.DroppedEventCount()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.RLock()
	sessionCount := len(s.sessions)
	agentCount := len(s.byAgentID)
	s.mu.RUnlock()

	tasks := s.cfg.Engine.ListTasks()
	var pending, inProgress int
	for _, t := range tasks {
		switch t.Status {
		case orchestration.TaskPending:
			pending++
		case orchestration.TaskInProgress:
			inProgress++
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP harmonycode_sessions Number of live WebSocket sessions.\n")
	fmt.Fprintf(w, "# TYPE harmonycode_sessions gauge\n")
	fmt.Fprintf(w, "harmonycode_sessions %d\n", sessionCount)
	fmt.Fprintf(w, "# HELP harmonycode_agents Number of authenticated agents.\n")
	fmt.Fprintf(w, "# TYPE harmonycode_agents gauge\n")
	fmt.Fprintf(w, "harmonycode_agents %d\n", agentCount)
	fmt.Fprintf(w, "# HELP harmonycode_tasks_pending Number of pending tasks.\n")
	fmt.Fprintf(w, "# TYPE harmonycode_tasks_pending gauge\n")
	fmt.Fprintf(w, "harmonycode_tasks_pending %d\n", pending)
	fmt.Fprintf(w, "# HELP harmonycode_tasks_in_progress Number of in-progress tasks.\n")
	fmt.Fprintf(w, "# TYPE harmonycode_tasks_in_progress gauge\n")
	fmt.Fprintf(w, "harmonycode_tasks_in_progress %d\n", inProgress)
	if s.cfg.Bus != nil {
		fmt.Fprintf(w, "# HELP harmonycode_bus_dropped_events_total Events dropped due to full subscriber buffers.\n")
		fmt.Fprintf(w, "# TYPE harmonycode_bus_dropped_events_total counter\n")
		fmt.Fprintf(w, "harmonycode_bus_dropped_events_total %d\n", s.cfg.Bus.DroppedEventCount())
	}
	if s.cfg.Tracker != nil {
		m := s.cfg.Tracker.GetDiversityMetrics()
		fmt.Fprintf(w, "# HELP harmonycode_overall_diversity Current overall perspective diversity.\n")
		fmt.Fprintf(w, "# TYPE harmonycode_overall_diversity gauge\n")
		fmt.Fprintf(w, "harmonycode_overall_diversity %f\n", m.OverallDiversity)
	}
}
