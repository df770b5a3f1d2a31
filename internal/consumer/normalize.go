// Package consumer implements the task acquisition and dispatch pipeline:
// the source multiplexer, the normaliser, the admission gate, and the
// status reporter.
package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

// firstString returns the first non-empty string value among the keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func subMap(m map[string]any, key string) map[string]any {
	sub, _ := m[key].(map[string]any)
	return sub
}

// Normalize canonicalises a producer-side task object into the internal
// record, tolerating the field-name and nesting variants the producers
// emit. It is idempotent on already-canonical input.
func Normalize(raw map[string]any) (*domain.Task, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty task", domain.ErrInvalidArgument)
	}

	taskID := firstString(raw, "taskId", "task_id", "id")
	if taskID == "" {
		return nil, fmt.Errorf("%w: task missing taskId", domain.ErrInvalidArgument)
	}

	params := subMap(raw, "params")
	workflowName := firstString(raw, "workflowName", "workflow", "workflow_name")
	if workflowName == "" && params != nil {
		workflowName = firstString(params, "workflowName", "workflow_name")
	}
	if workflowName == "" {
		workflowName = "default"
	}

	callbackURL := firstString(raw, "callbackUrl", "callback_url")
	if callbackURL == "" && params != nil {
		callbackURL = firstString(params, "callbackUrl")
	}

	priority := domain.Priority(firstString(raw, "priority"))
	switch priority {
	case domain.PriorityVIP, domain.PriorityNormal, domain.PriorityGuest:
	default:
		priority = domain.PriorityNormal
	}

	// Legacy producers put the input data directly under params; wrap it.
	inputData := params
	if params != nil {
		if wrapped, ok := params["input_data"].(map[string]any); ok {
			inputData = wrapped
		}
	}

	task := &domain.Task{
		TaskID:        taskID,
		WorkflowName:  workflowName,
		Priority:      priority,
		SourceChannel: firstString(raw, "source_channel"),
		CallbackURL:   callbackURL,
		CreatedAt:     firstString(raw, "createdAt", "created_at"),
		QueuedAt:      firstString(raw, "queuedAt", "queued_at"),
		Raw:           raw,
	}
	if inputData != nil {
		if wf, ok := inputData["wf_json"]; ok && wf != nil {
			encoded, err := json.Marshal(wf)
			if err != nil {
				return nil, fmt.Errorf("%w: wf_json not encodable: %v", domain.ErrInvalidArgument, err)
			}
			task.Params.InputData.WFJSON = encoded
		}
	}
	return task, nil
}
