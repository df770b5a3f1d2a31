// Package taskmanager is the in-memory task store behind the producer
// facade: it hands out pending tasks to workers and records the status
// transitions they report back.
package taskmanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

// Record is one producer-side task.
type Record struct {
	TaskID       string            `json:"taskId"`
	WorkflowName string            `json:"workflowName"`
	Status       domain.TaskStatus `json:"status"`
	Priority     domain.Priority   `json:"priority"`
	Params       map[string]any    `json:"params,omitempty"`
	Message      string            `json:"task_message,omitempty"`
	StartedAt    string            `json:"started_at,omitempty"`
	FinishedAt   string            `json:"finished_at,omitempty"`
	OutputData   map[string]any    `json:"output_data,omitempty"`
	CreatedAt    string            `json:"createdAt"`
}

// Manager is a concurrency-safe task store. Tasks survive only as long as
// the process; durable history is the producers' concern.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Record
	order []string
	now   func() time.Time
}

// New builds an empty manager.
func New() *Manager {
	return &Manager{tasks: map[string]*Record{}, now: time.Now}
}

// Create registers a new pending task and returns it.
func (m *Manager) Create(workflowName string, params map[string]any) *Record {
	if workflowName == "" {
		workflowName = "default"
	}
	rec := &Record{
		TaskID:       "task_" + uuid.NewString(),
		WorkflowName: workflowName,
		Status:       domain.TaskPending,
		Priority:     domain.PriorityNormal,
		Params:       params,
		CreatedAt:    m.now().UTC().Format(time.RFC3339),
	}
	m.mu.Lock()
	m.tasks[rec.TaskID] = rec
	m.order = append(m.order, rec.TaskID)
	m.mu.Unlock()

	slog.Info("task created",
		slog.String("task_id", rec.TaskID), slog.String("workflow", workflowName))
	return rec
}

// Next hands the oldest pending task to a worker, marking it FETCHED. When
// allowedWorkflows is non-empty only matching tasks are considered, so a
// filtered worker never consumes work it cannot run.
func (m *Manager) Next(allowedWorkflows []string) *Record {
	allowed := map[string]bool{}
	for _, wf := range allowedWorkflows {
		allowed[wf] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		rec := m.tasks[id]
		if rec == nil || rec.Status != domain.TaskPending {
			continue
		}
		if len(allowed) > 0 && !allowed[rec.WorkflowName] {
			continue
		}
		rec.Status = domain.TaskFetched
		out := *rec
		return &out
	}
	return nil
}

// Update applies a worker-reported status transition.
func (m *Manager) Update(taskID string, status domain.TaskStatus, message, startedAt, finishedAt string, outputData map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	rec.Status = status
	if message != "" {
		rec.Message = message
	}
	if startedAt != "" {
		rec.StartedAt = startedAt
	}
	if finishedAt != "" {
		rec.FinishedAt = finishedAt
	}
	if outputData != nil {
		rec.OutputData = outputData
	}
	return nil
}

// Get returns a copy of one task.
func (m *Manager) Get(taskID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// All returns a snapshot of every task in creation order.
func (m *Manager) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		if rec := m.tasks[id]; rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// Clear drops every task.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = map[string]*Record{}
	m.order = nil
}

// Stats counts tasks per status and per workflow.
func (m *Manager) Stats() (byStatus map[domain.TaskStatus]int, byWorkflow map[string]int) {
	byStatus = map[domain.TaskStatus]int{}
	byWorkflow = map[string]int{}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.tasks {
		byStatus[rec.Status]++
		byWorkflow[rec.WorkflowName]++
	}
	return byStatus, byWorkflow
}
