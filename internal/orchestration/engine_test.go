package orchestration_test

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/config"
	"github.com/peteryuqin/harmonycode/internal/diversity"
	"github.com/peteryuqin/harmonycode/internal/locks"
	"github.com/peteryuqin/harmonycode/internal/orchestration"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, workspace string) (*orchestration.Engine, *locks.Manager) {
	t.Helper()
	if workspace == "" {
		workspace = t.TempDir()
	}
	b := bus.New()
	lm, err := locks.NewManager(workspace, 5*time.Second, b, nil)
	require.NoError(t, err)
	tracker := diversity.NewTracker(1, false)
	eng := orchestration.New(orchestration.Config{
		SwarmMode:          config.SwarmDistributed,
		TaskTimeout:        200 * time.Millisecond,
		EditConflictWindow: 100 * time.Millisecond,
		WorkspaceDir:       workspace,
	}, lm, b, tracker)
	return eng, lm
}

func TestCreateTaskAutoAssignsToCompatibleIdleAgent(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RegisterAgent("agent-a", "coder")

	task, err := eng.CreateTask(orchestration.TaskInput{Type: "code", Description: "fix bug"})
	require.NoError(t, err)

	got, ok := eng.GetTask(task.TaskID)
	require.True(t, ok)
	require.Equal(t, orchestration.TaskInProgress, got.Status)
	require.Equal(t, "agent-a", got.AssignedTo)
}

func TestCreateTaskStaysPendingWithNoCompatibleAgent(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RegisterAgent("agent-a", "documenter")

	task, err := eng.CreateTask(orchestration.TaskInput{Type: "code", Description: "fix bug"})
	require.NoError(t, err)

	got, ok := eng.GetTask(task.TaskID)
	require.True(t, ok)
	require.Equal(t, orchestration.TaskPending, got.Status)
}

func TestTwoAgentClaimRaceHasExactlyOneWinner(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RegisterAgent("agent-a", "coder")
	eng.RegisterAgent("agent-b", "coder")

	task, err := eng.CreateTask(orchestration.TaskInput{Type: "review", Description: "n/a"})
	require.NoError(t, err)

	var wins int64
	var wg sync.WaitGroup
	wg.Add(2)
	for _, agentID := range []string{"agent-a", "agent-b"} {
		go func(id string) {
			defer wg.Done()
			if err := eng.AssignTask(task.TaskID, id); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}(agentID)
	}
	wg.Wait()

	require.Equal(t, int64(1), wins)
	got, _ := eng.GetTask(task.TaskID)
	require.Contains(t, []string{"agent-a", "agent-b"}, got.AssignedTo)
}

func TestAssignTaskFailsWhenAgentBusy(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RegisterAgent("agent-a", "coder")

	t1, err := eng.CreateTask(orchestration.TaskInput{Type: "code"})
	require.NoError(t, err)
	require.NoError(t, eng.AssignTask(t1.TaskID, "agent-a"))

	t2, err := eng.CreateTask(orchestration.TaskInput{Type: "code"})
	require.NoError(t, err)
	err = eng.AssignTask(t2.TaskID, "agent-a")
	require.Error(t, err)
}

func TestTaskTimeoutRevertsToPendingAndReassigns(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RegisterAgent("agent-a", "coder")

	task, err := eng.CreateTask(orchestration.TaskInput{Type: "code"})
	require.NoError(t, err)

	got, _ := eng.GetTask(task.TaskID)
	require.Equal(t, orchestration.TaskInProgress, got.Status)

	time.Sleep(300 * time.Millisecond)
	eng.SweepTaskTimeouts()

	got, _ = eng.GetTask(task.TaskID)
	require.Equal(t, orchestration.TaskInProgress, got.Status) // re-assigned to the same idle agent
}

func TestHandleAgentDisconnectRevertsInProgressTask(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RegisterAgent("agent-a", "coder")

	task, err := eng.CreateTask(orchestration.TaskInput{Type: "code"})
	require.NoError(t, err)
	got, _ := eng.GetTask(task.TaskID)
	require.Equal(t, "agent-a", got.AssignedTo)

	eng.RegisterAgent("agent-b", "coder")
	eng.HandleAgentDisconnect("agent-a")

	got, _ = eng.GetTask(task.TaskID)
	require.Equal(t, orchestration.TaskInProgress, got.Status)
	require.Equal(t, "agent-b", got.AssignedTo)
}

func TestEditConflictSymmetry(t *testing.T) {
	eng, _ := newEngine(t, "")

	conflict, conflicts, err := eng.ApplyEdit("f.go", "insert", "session-1")
	require.NoError(t, err)
	require.False(t, conflict)
	require.Empty(t, conflicts)

	conflict, conflicts, err = eng.ApplyEdit("f.go", "insert", "session-2")
	require.NoError(t, err)
	require.True(t, conflict)
	require.Len(t, conflicts, 2)
}

func TestEditFromSameSessionNeverConflicts(t *testing.T) {
	eng, _ := newEngine(t, "")

	_, _, err := eng.ApplyEdit("f.go", "insert", "session-1")
	require.NoError(t, err)
	conflict, _, err := eng.ApplyEdit("f.go", "insert", "session-1")
	require.NoError(t, err)
	require.False(t, conflict)
}

func TestVoteResolutionScenario(t *testing.T) {
	eng, _ := newEngine(t, "")

	votes := []struct {
		session     string
		perspective string
		evidence    []string
	}{
		{"s1", "SKEPTIC", []string{"study"}},
		{"s2", "PRAGMATIST", nil},
		{"s3", "PRAGMATIST", nil},
		{"s4", "OPTIMIST", nil},
		{"s5", "OPTIMIST", nil},
	}
	for _, v := range votes {
		eng.RecordVote("prop-1", v.session, "choice-A", v.evidence, v.perspective)
	}

	complete := eng.CheckVotingComplete("prop-1", 5)
	require.True(t, complete)

	winner, diversityScore, ok := eng.ResolveProposal("prop-1")
	require.True(t, ok)
	require.Equal(t, "choice-A", winner)
	require.InDelta(t, 3.0/9.0, diversityScore, 0.0001)
}

func TestVoteUpsertReplacesPriorVote(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.RecordVote("prop-1", "s1", "A", nil, "")
	eng.RecordVote("prop-1", "s1", "B", nil, "")

	require.True(t, eng.CheckVotingComplete("prop-1", 1))
	winner, _, ok := eng.ResolveProposal("prop-1")
	require.True(t, ok)
	require.Equal(t, "B", winner)
}

func TestWorkflowLifecycle(t *testing.T) {
	eng, _ := newEngine(t, "")
	eng.StartWorkflow("wf-1", map[string]any{"step": 1})

	_, err := eng.UpdateWorkflow("wf-1", map[string]any{"step": 2})
	require.NoError(t, err)

	done, err := eng.CompleteWorkflow("wf-1", map[string]any{"step": 3})
	require.NoError(t, err)
	require.Equal(t, orchestration.WorkflowCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestMemoryStoreRetrieveList(t *testing.T) {
	workspace := t.TempDir()
	eng, _ := newEngine(t, workspace)

	require.NoError(t, eng.StoreMemory("notes", map[string]any{"text": "hello"}))
	require.FileExists(t, filepath.Join(workspace, ".harmonycode", "memory", "notes.json"))

	entry, err := eng.RetrieveMemory("notes")
	require.NoError(t, err)
	require.Equal(t, "notes", entry.Key)

	require.Equal(t, []string{"notes"}, eng.ListMemory())
}

func TestSpawnAgentsCreatesDistinctAgents(t *testing.T) {
	eng, _ := newEngine(t, "")
	spawned, _, err := eng.SpawnAgents("coder", "", 3, false, nil)
	require.NoError(t, err)
	require.Len(t, spawned, 3)

	ids := make(map[string]bool)
	for _, a := range spawned {
		ids[a.AgentID] = true
	}
	require.Len(t, ids, 3)
}

func TestSpawnAgentsUsesUpdatedRequiredPerspectives(t *testing.T) {
	workspace := t.TempDir()
	b := bus.New()
	lm, err := locks.NewManager(workspace, 5*time.Second, b, nil)
	require.NoError(t, err)
	tr := diversity.NewTracker(1, false)
	eng := orchestration.New(orchestration.Config{
		SwarmMode:          config.SwarmDistributed,
		TaskTimeout:        200 * time.Millisecond,
		EditConflictWindow: 100 * time.Millisecond,
		WorkspaceDir:       workspace,
	}, lm, b, tr)
	enforcer := diversity.NewEnforcer(diversity.Config{Enabled: true}, tr)

	eng.UpdateRequiredPerspectives([]diversity.Perspective{diversity.Creative})
	spawned, _, err := eng.SpawnAgents("coder", "", 1, true, enforcer)
	require.NoError(t, err)
	require.Len(t, spawned, 1)

	p, ok := tr.AgentPerspective(spawned[0].AgentID)
	require.True(t, ok)
	require.Equal(t, diversity.Creative, p)
}

func TestSnapshotRoundTripsTasksAndMemory(t *testing.T) {
	workspace := t.TempDir()
	eng, _ := newEngine(t, workspace)
	eng.RegisterAgent("agent-a", "coder")
	_, err := eng.CreateTask(orchestration.TaskInput{Type: "code", Description: "x"})
	require.NoError(t, err)
	require.NoError(t, eng.StoreMemory("k", "v"))

	require.NoError(t, eng.Snapshot())

	eng2, _ := newEngine(t, workspace)
	require.NoError(t, eng2.LoadSnapshot())
	require.Len(t, eng2.ListTasks(), 1)
	entry, err := eng2.RetrieveMemory("k")
	require.NoError(t, err)
	require.Equal(t, "v", entry.Value)
}
