package orchestration

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peteryuqin/harmonycode/internal/apperror"
	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/config"
	"github.com/peteryuqin/harmonycode/internal/diversity"
	"github.com/peteryuqin/harmonycode/internal/locks"
)

// Config controls the engine's assignment and timeout behavior (§4.3).
type Config struct {
	SwarmMode          config.SwarmMode
	TaskTimeout        time.Duration
	EditConflictWindow time.Duration
	WorkspaceDir       string
	Logger             *slog.Logger

	// RequiredPerspectives seeds the baseline SpawnAgents hands to
	// Enforcer.AssignPerspective, sourced from diversity.yaml
	// (config.DiversityProfile.RequiredPerspectives). Falls back to
	// {Skeptic, Analytical} when empty.
	RequiredPerspectives []diversity.Perspective
}

// Engine owns Tasks, Agents, Edits, Votes, Workflows, and Memory behind a
// single mutex, emitting bus events on every state transition — the shape
// is grounded on the teacher's engine.Engine (mutex-guarded struct, atomic
// counters, event emission), generalized from a single worker-pool queue to
// the richer multi-entity model this spec calls for.
type Engine struct {
	mu sync.RWMutex

	cfg          Config
	locks        *locks.Manager
	bus          *bus.Bus
	logger       *slog.Logger
	workspaceDir string

	// tracker is consulted read-only for agent perspectives when weighting
	// votes and resolving edit conflicts (§4.6); nil disables perspective
	// weighting (every vote/edit treated as perspective-less).
	tracker *diversity.Tracker

	// requiredPerspectives is the live baseline SpawnAgents passes to
	// Enforcer.AssignPerspective; swappable at runtime via
	// UpdateRequiredPerspectives when diversity.yaml changes underneath a
	// running server (§9 config live-reload).
	requiredPerspectives []diversity.Perspective

	tasks     map[string]*Task
	agents    map[string]*Agent
	edits     map[string][]Edit          // keyed by file
	votes     map[string]map[string]Vote // proposal_id -> session_id -> Vote
	workflows map[string]*Workflow
	memory    map[string]MemoryEntry
}

// New constructs an Engine bound to a Lock Manager and event bus.
func New(cfg Config, lockMgr *locks.Manager, b *bus.Bus, tracker *diversity.Tracker) *Engine {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 300 * time.Second
	}
	if cfg.EditConflictWindow <= 0 {
		cfg.EditConflictWindow = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	required := cfg.RequiredPerspectives
	if len(required) == 0 {
		required = []diversity.Perspective{diversity.Skeptic, diversity.Analytical}
	}
	return &Engine{
		cfg:                  cfg,
		locks:                lockMgr,
		bus:                  b,
		logger:               logger,
		workspaceDir:         cfg.WorkspaceDir,
		tracker:              tracker,
		requiredPerspectives: required,
		tasks:                make(map[string]*Task),
		agents:               make(map[string]*Agent),
		edits:                make(map[string][]Edit),
		votes:                make(map[string]map[string]Vote),
		workflows:            make(map[string]*Workflow),
		memory:               make(map[string]MemoryEntry),
	}
}

// UpdateRequiredPerspectives swaps the live baseline SpawnAgents passes to
// Enforcer.AssignPerspective, used by the config watcher to apply a reloaded
// diversity.yaml without a restart.
func (e *Engine) UpdateRequiredPerspectives(perspectives []diversity.Perspective) {
	e.mu.Lock()
	e.requiredPerspectives = perspectives
	e.mu.Unlock()
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

// RegisterAgent adds or updates an orchestration-level agent record,
// independent of Identity registration (an agent must exist here before it
// can be auto-assigned work).
func (e *Engine) RegisterAgent(agentID, mode string) *Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[agentID]
	if !ok {
		a = &Agent{AgentID: agentID, Mode: mode, Status: AgentIdle}
		e.agents[agentID] = a
	} else {
		a.Mode = mode
	}
	cp := *a
	return &cp
}

// SetAgentStatus updates an agent's assignment status (idle/busy/offline).
func (e *Engine) SetAgentStatus(agentID string, status AgentStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.agents[agentID]; ok {
		a.Status = status
	}
}

// GetTask returns a copy of the task for taskID.
func (e *Engine) GetTask(taskID string) (Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListTasks returns copies of every tracked task.
func (e *Engine) ListTasks() []Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	return out
}

// CreateTask creates a new task from in and, unless swarm mode is
// centralized, attempts auto-assignment (§4.3).
func (e *Engine) CreateTask(in TaskInput) (Task, error) {
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	task := &Task{
		TaskID:               "task-" + uuid.NewString(),
		Type:                 in.Type,
		Description:          in.Description,
		Priority:             in.Priority,
		Status:               TaskPending,
		Dependencies:         in.Dependencies,
		RequiredPerspectives: in.RequiredPerspectives,
		EvidenceRequired:     in.EvidenceRequired,
		CreatedAt:            time.Now(),
		Deadline:             in.Deadline,
	}

	e.mu.Lock()
	e.tasks[task.TaskID] = task
	e.mu.Unlock()

	e.publish(bus.TopicTaskCreated, bus.TaskLifecycleEvent{TaskID: task.TaskID, NewStatus: string(TaskPending)})

	if e.cfg.SwarmMode != config.SwarmCentralized {
		e.autoAssign(task.TaskID)
	}

	e.mu.RLock()
	cp := *e.tasks[task.TaskID]
	e.mu.RUnlock()
	return cp, nil
}

// dependenciesSatisfied reports whether every dependency of taskID has
// completed. Caller must hold at least a read lock.
func (e *Engine) dependenciesSatisfiedLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := e.tasks[dep]
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// autoAssign filters idle agents whose mode is compatible with task.Type
// and assigns the first match (§4.3).
func (e *Engine) autoAssign(taskID string) {
	e.mu.RLock()
	task, ok := e.tasks[taskID]
	if !ok || task.Status != TaskPending || !e.dependenciesSatisfiedLocked(task) {
		e.mu.RUnlock()
		return
	}
	modes := compatibleModes(task.Type)
	var candidate string
	for _, a := range e.agents {
		if a.Status != AgentIdle {
			continue
		}
		for _, m := range modes {
			if a.Mode == m {
				candidate = a.AgentID
				break
			}
		}
		if candidate != "" {
			break
		}
	}
	e.mu.RUnlock()

	if candidate == "" {
		return
	}
	if err := e.AssignTask(taskID, candidate); err != nil {
		e.logger.Debug("auto-assign attempt failed", "task_id", taskID, "agent_id", candidate, "error", err)
	}
}

// AssignTask implements the six-step assignment sequence from §4.3.
func (e *Engine) AssignTask(taskID, agentID string) error {
	// 1. Verify task exists, agent exists, agent status != busy.
	e.mu.RLock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.RUnlock()
		return apperror.New(apperror.NotFound, "task %s not found", taskID)
	}
	agent, ok := e.agents[agentID]
	if !ok {
		e.mu.RUnlock()
		return apperror.New(apperror.NotFound, "agent %s not found", agentID)
	}
	if agent.Status == AgentBusy {
		e.mu.RUnlock()
		return apperror.New(apperror.Conflict, "agent %s is busy", agentID)
	}
	e.mu.RUnlock()

	// 2. is_available check.
	if !e.locks.IsAvailable(taskID) {
		return apperror.New(apperror.Locked, "task %s is not available", taskID)
	}

	// 3. acquire lock.
	token, ok := e.locks.Acquire(taskID, agentID)
	if !ok {
		return apperror.New(apperror.Locked, "failed to acquire lock for task %s", taskID)
	}

	// 4. claim through lock manager.
	if !e.locks.Claim(taskID, agentID, token) {
		e.locks.Release(taskID, token)
		return apperror.New(apperror.ClaimConflict, "lost claim race for task %s", taskID)
	}

	// 5. mutate task/agent state.
	deadline := time.Now().Add(e.cfg.TaskTimeout)
	e.mu.Lock()
	task.Status = TaskInProgress
	task.AssignedTo = agentID
	task.Deadline = &deadline
	agent.Status = AgentBusy
	agent.CurrentTask = taskID
	e.mu.Unlock()

	// 6. timeout is enforced by SweepTaskTimeouts against task.Deadline,
	// driven by the scheduler ticker rather than a per-task timer goroutine.

	e.publish(bus.TopicTaskAssigned, bus.TaskLifecycleEvent{TaskID: taskID, AgentID: agentID, OldStatus: string(TaskPending), NewStatus: string(TaskInProgress)})
	return nil
}

// CompleteTask marks a task completed, frees its agent, and attempts to
// auto-assign any pending task whose dependencies are now satisfied.
func (e *Engine) CompleteTask(taskID, agentID string, result any) error {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return apperror.New(apperror.NotFound, "task %s not found", taskID)
	}
	if task.AssignedTo != agentID {
		e.mu.Unlock()
		return apperror.New(apperror.Forbidden, "task %s is not owned by %s", taskID, agentID)
	}
	task.Status = TaskCompleted
	task.Result = result
	if agent, ok := e.agents[agentID]; ok {
		agent.Status = AgentIdle
		agent.CurrentTask = ""
	}
	e.mu.Unlock()

	e.locks.CompleteClaim(taskID)
	e.publish(bus.TopicTaskComplete, bus.TaskLifecycleEvent{TaskID: taskID, AgentID: agentID, OldStatus: string(TaskInProgress), NewStatus: string(TaskCompleted)})
	e.tryAssignDependents(taskID)
	return nil
}

// tryAssignDependents scans pending tasks depending on completedTaskID and
// attempts auto-assignment for any whose dependencies are now all satisfied
// — this is the dependency-gating role the teacher's topoSort plays for
// wave execution, applied here per-completion rather than as a batch.
func (e *Engine) tryAssignDependents(completedTaskID string) {
	e.mu.RLock()
	var candidates []string
	for id, t := range e.tasks {
		if t.Status != TaskPending {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == completedTaskID {
				candidates = append(candidates, id)
				break
			}
		}
	}
	e.mu.RUnlock()

	for _, id := range candidates {
		e.autoAssign(id)
	}
}

// FailTask marks a task failed (used by timeout sweep and explicit failure
// reports) and frees its agent.
func (e *Engine) FailTask(taskID, reason string) {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	agentID := task.AssignedTo
	task.Status = TaskFailed
	if agent, ok := e.agents[agentID]; ok {
		agent.Status = AgentIdle
		agent.CurrentTask = ""
	}
	e.mu.Unlock()

	e.locks.CompleteClaim(taskID)
	e.publish(bus.TopicTaskFailed, bus.TaskLifecycleEvent{TaskID: taskID, AgentID: agentID, NewStatus: string(TaskFailed), Reason: reason})
}

// SweepTaskTimeouts scans in-progress tasks past their deadline, marks them
// failed, frees the agent, emits task-timeout, and re-invokes auto-assign
// (§4.3 step 6). Driven by the scheduler ticker (§2.11), not a per-task
// timer.
func (e *Engine) SweepTaskTimeouts() {
	now := time.Now()
	e.mu.RLock()
	var timedOut []string
	for id, t := range e.tasks {
		if t.Status == TaskInProgress && t.Deadline != nil && !t.Deadline.After(now) {
			timedOut = append(timedOut, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range timedOut {
		e.mu.Lock()
		task := e.tasks[id]
		agentID := task.AssignedTo
		task.Status = TaskPending
		task.AssignedTo = ""
		task.Deadline = nil
		if agent, ok := e.agents[agentID]; ok {
			agent.Status = AgentIdle
			agent.CurrentTask = ""
		}
		e.mu.Unlock()

		e.locks.CompleteClaim(id)
		e.publish(bus.TopicTaskTimeout, bus.TaskLifecycleEvent{TaskID: id, AgentID: agentID, OldStatus: string(TaskInProgress), NewStatus: string(TaskPending), Reason: "timeout"})
		e.autoAssign(id)
	}
}

// HandleAgentDisconnect reverts any in-progress task of agentID to pending
// and re-queues it for auto-assignment (§4.7).
func (e *Engine) HandleAgentDisconnect(agentID string) {
	e.mu.Lock()
	agent, ok := e.agents[agentID]
	if !ok {
		e.mu.Unlock()
		return
	}
	agent.Status = AgentOffline
	taskID := agent.CurrentTask
	agent.CurrentTask = ""
	var task *Task
	if taskID != "" {
		task = e.tasks[taskID]
		if task != nil && task.Status == TaskInProgress {
			task.Status = TaskPending
			task.AssignedTo = ""
			task.Deadline = nil
		} else {
			task = nil
		}
	}
	e.mu.Unlock()

	if task != nil {
		e.locks.CompleteClaim(taskID)
		e.publish(bus.TopicTaskTimeout, bus.TaskLifecycleEvent{TaskID: taskID, AgentID: agentID, OldStatus: string(TaskInProgress), NewStatus: string(TaskPending), Reason: "agent_disconnected"})
		e.autoAssign(taskID)
	}
}

// SpawnAgents creates count synthetic agents with the fixed mode, optionally
// creating and assigning an initial task to each (§4.3).
func (e *Engine) SpawnAgents(mode, taskDescription string, count int, ensureDiversity bool, enforcer *diversity.Enforcer) ([]Agent, []Task, error) {
	if count <= 0 {
		return nil, nil, apperror.New(apperror.Invalid, "spawn count must be positive")
	}

	var spawned []Agent
	var created []Task
	for i := 0; i < count; i++ {
		agentID := fmt.Sprintf("agent-swarm-%s", uuid.NewString()[:8])
		a := e.RegisterAgent(agentID, mode)
		spawned = append(spawned, *a)

		if e.tracker != nil {
			if ensureDiversity && enforcer != nil {
				e.mu.RLock()
				baseline := e.requiredPerspectives
				e.mu.RUnlock()
				p := enforcer.AssignPerspective(baseline)
				e.tracker.RegisterAgent(agentID, &p)
			} else {
				e.tracker.RegisterAgent(agentID, nil)
			}
		}

		if taskDescription != "" {
			task, err := e.CreateTask(TaskInput{Type: mode, Description: taskDescription, Priority: PriorityMedium})
			if err != nil {
				return spawned, created, err
			}
			if err := e.AssignTask(task.TaskID, agentID); err != nil {
				e.logger.Debug("spawn: initial assignment deferred", "task_id", task.TaskID, "agent_id", agentID, "error", err)
			}
			if t, ok := e.GetTask(task.TaskID); ok {
				created = append(created, t)
			}
		}
	}
	return spawned, created, nil
}
