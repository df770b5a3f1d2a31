package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

func TestNormalizeFieldVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want func(t *testing.T, task *domain.Task)
	}{
		{
			name: "camelCase fields",
			raw: map[string]any{
				"taskId":       "t1",
				"workflowName": "comfyui_basic",
				"callbackUrl":  "https://producer.test/cb",
				"priority":     "vip",
				"createdAt":    "2026-01-01T00:00:00Z",
			},
			want: func(t *testing.T, task *domain.Task) {
				assert.Equal(t, "t1", task.TaskID)
				assert.Equal(t, "comfyui_basic", task.WorkflowName)
				assert.Equal(t, "https://producer.test/cb", task.CallbackURL)
				assert.Equal(t, domain.PriorityVIP, task.Priority)
				assert.Equal(t, "2026-01-01T00:00:00Z", task.CreatedAt)
			},
		},
		{
			name: "snake_case fields",
			raw: map[string]any{
				"task_id":       "t2",
				"workflow_name": "faceswap",
				"callback_url":  "https://producer.test/cb2",
				"created_at":    "2026-01-01T00:00:00Z",
			},
			want: func(t *testing.T, task *domain.Task) {
				assert.Equal(t, "t2", task.TaskID)
				assert.Equal(t, "faceswap", task.WorkflowName)
				assert.Equal(t, "https://producer.test/cb2", task.CallbackURL)
			},
		},
		{
			name: "bare id and workflow alias",
			raw:  map[string]any{"id": "t3", "workflow": "text_to_image"},
			want: func(t *testing.T, task *domain.Task) {
				assert.Equal(t, "t3", task.TaskID)
				assert.Equal(t, "text_to_image", task.WorkflowName)
			},
		},
		{
			name: "workflow nested in params",
			raw: map[string]any{
				"taskId": "t4",
				"params": map[string]any{"workflowName": "comfyui_nested"},
			},
			want: func(t *testing.T, task *domain.Task) {
				assert.Equal(t, "comfyui_nested", task.WorkflowName)
			},
		},
		{
			name: "defaults",
			raw:  map[string]any{"taskId": "t5"},
			want: func(t *testing.T, task *domain.Task) {
				assert.Equal(t, "default", task.WorkflowName)
				assert.Equal(t, domain.PriorityNormal, task.Priority)
			},
		},
		{
			name: "invalid priority falls back to normal",
			raw:  map[string]any{"taskId": "t6", "priority": "urgent"},
			want: func(t *testing.T, task *domain.Task) {
				assert.Equal(t, domain.PriorityNormal, task.Priority)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := Normalize(tt.raw)
			require.NoError(t, err)
			tt.want(t, task)
		})
	}
}

func TestNormalizeMissingTaskID(t *testing.T) {
	_, err := Normalize(map[string]any{"workflow": "comfyui_basic"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = Normalize(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNormalizeWrapsLegacyParams(t *testing.T) {
	task, err := Normalize(map[string]any{
		"taskId": "t1",
		"params": map[string]any{
			"wf_json": map[string]any{"1": map[string]any{"class_type": "SaveImage"}},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":{"class_type":"SaveImage"}}`, string(task.Params.InputData.WFJSON))
}

func TestNormalizeCanonicalInput(t *testing.T) {
	task, err := Normalize(map[string]any{
		"taskId":   "t1",
		"workflow": "comfyui_basic",
		"params": map[string]any{
			"input_data": map[string]any{
				"wf_json": map[string]any{"9": map[string]any{"class_type": "SaveImage"}},
			},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"9":{"class_type":"SaveImage"}}`, string(task.Params.InputData.WFJSON))
}

// Normalising the canonical shape of its own output must be a no-op.
func TestNormalizeIdempotent(t *testing.T) {
	raw := map[string]any{
		"taskId":         "t1",
		"workflowName":   "comfyui_basic",
		"priority":       "guest",
		"callbackUrl":    "https://cb.test",
		"source_channel": "https://producer.test",
		"params": map[string]any{
			"input_data": map[string]any{
				"wf_json": map[string]any{"1": map[string]any{"class_type": "LoadImage"}},
			},
		},
	}
	first, err := Normalize(raw)
	require.NoError(t, err)
	second, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.WorkflowName, second.WorkflowName)
	assert.Equal(t, first.Priority, second.Priority)
	assert.Equal(t, first.CallbackURL, second.CallbackURL)
	assert.Equal(t, first.SourceChannel, second.SourceChannel)
	assert.JSONEq(t, string(first.Params.InputData.WFJSON), string(second.Params.InputData.WFJSON))
}
