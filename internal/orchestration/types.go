// Package orchestration implements the Orchestration Engine (§4.3): the
// owner of Tasks, Agents, Edits, Votes, Workflows, and Memory, grounded on
// the teacher's engine.Engine (mutex-guarded state + bus event emission)
// and coordinator.Executor's topoSort for dependency-gated task ordering.
package orchestration

import "time"

// Priority is a fixed task priority level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TaskStatus is a task's lifecycle state (§3).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is the unit of work tracked by the engine (§3).
type Task struct {
	TaskID               string     `json:"task_id"`
	Type                 string     `json:"type"`
	Description          string     `json:"description"`
	Priority             Priority   `json:"priority"`
	Status               TaskStatus `json:"status"`
	AssignedTo           string     `json:"assigned_to,omitempty"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	RequiredPerspectives []string   `json:"required_perspectives,omitempty"`
	EvidenceRequired     bool       `json:"evidence_required"`
	CreatedAt            time.Time  `json:"created_at"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	Result               any        `json:"result,omitempty"`
}

// AgentStatus is the orchestration-level status of a registered agent,
// distinct from Identity/Session (this is work-assignment status only).
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is the orchestration engine's view of a participant: its work mode
// (capability) and current assignment status.
type Agent struct {
	AgentID     string      `json:"agent_id"`
	Mode        string      `json:"mode"`
	Status      AgentStatus `json:"status"`
	CurrentTask string      `json:"current_task,omitempty"`
}

// Edit is one file mutation, versioned for conflict-window comparison (§3).
type Edit struct {
	File         string    `json:"file"`
	Op           any       `json:"op"`
	VersionClock int64     `json:"version_clock"`
	SessionID    string    `json:"session_ref"`
	AppliedAt    time.Time `json:"applied_at"`
}

// VoteStatus distinguishes recorded votes; all votes are simply "active"
// until replaced (§3, "re-casting replaces").
type Vote struct {
	ProposalID  string   `json:"proposal_id"`
	SessionID   string   `json:"session_ref"`
	Choice      string   `json:"choice"`
	Weight      float64  `json:"weight"`
	Evidence    []string `json:"evidence,omitempty"`
	Perspective string   `json:"perspective,omitempty"`
}

// WorkflowStatus is a workflow's lifecycle state.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
)

// Workflow is a keyed, long-running unit of progress tracking (§4.3).
type Workflow struct {
	WorkflowID  string         `json:"workflow_id"`
	Status      WorkflowStatus `json:"status"`
	Data        any            `json:"data,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// MemoryEntry is one key/value pair in the shared memory store, persisted
// individually as memory/<key>.json (§6).
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
}

// TaskInput is the caller-supplied subset of fields for CreateTask.
type TaskInput struct {
	Type                 string
	Description          string
	Priority             Priority
	Dependencies         []string
	RequiredPerspectives []string
	EvidenceRequired     bool
	Deadline             *time.Time
}

// capabilityMap is the fixed task-type to compatible-agent-mode table (§4.3).
var capabilityMap = map[string][]string{
	"code":          {"coder", "tdd", "debugger"},
	"review":        {"reviewer", "tester", "analyzer"},
	"design":        {"architect", "designer"},
	"research":      {"researcher", "analyzer"},
	"documentation": {"documenter"},
}

func compatibleModes(taskType string) []string {
	return capabilityMap[taskType]
}
