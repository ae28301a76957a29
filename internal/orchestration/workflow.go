package orchestration

import (
	"time"

	"github.com/peteryuqin/harmonycode/internal/apperror"
	"github.com/peteryuqin/harmonycode/internal/bus"
)

// StartWorkflow creates a new running workflow keyed by workflowID (§4.3).
func (e *Engine) StartWorkflow(workflowID string, data any) Workflow {
	now := time.Now()
	w := &Workflow{WorkflowID: workflowID, Status: WorkflowRunning, Data: data, StartedAt: now, UpdatedAt: now}

	e.mu.Lock()
	e.workflows[workflowID] = w
	e.mu.Unlock()

	e.publish(bus.TopicWorkflowStarted, bus.WorkflowEvent{WorkflowID: workflowID, Action: "start"})
	return *w
}

// UpdateWorkflow merges data into an existing running workflow's state.
func (e *Engine) UpdateWorkflow(workflowID string, data any) (Workflow, error) {
	e.mu.Lock()
	w, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return Workflow{}, apperror.New(apperror.NotFound, "workflow %s not found", workflowID)
	}
	w.Data = data
	w.UpdatedAt = time.Now()
	cp := *w
	e.mu.Unlock()

	e.publish(bus.TopicWorkflowProgress, bus.WorkflowEvent{WorkflowID: workflowID, Action: "progress"})
	return cp, nil
}

// CompleteWorkflow marks a workflow completed.
func (e *Engine) CompleteWorkflow(workflowID string, data any) (Workflow, error) {
	now := time.Now()
	e.mu.Lock()
	w, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return Workflow{}, apperror.New(apperror.NotFound, "workflow %s not found", workflowID)
	}
	if data != nil {
		w.Data = data
	}
	w.Status = WorkflowCompleted
	w.UpdatedAt = now
	w.CompletedAt = &now
	cp := *w
	e.mu.Unlock()

	e.publish(bus.TopicWorkflowComplete, bus.WorkflowEvent{WorkflowID: workflowID, Action: "complete"})
	return cp, nil
}

// GetWorkflow returns a copy of the workflow for workflowID.
func (e *Engine) GetWorkflow(workflowID string) (Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workflows[workflowID]
	if !ok {
		return Workflow{}, false
	}
	return *w, true
}
