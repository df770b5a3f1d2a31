package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/workflow"
)

type recordingReporter struct {
	events []string
	tasks  []*domain.Task
}

func (r *recordingReporter) SendProcessing(_ context.Context, task *domain.Task) {
	r.events = append(r.events, "PROCESSING")
	r.tasks = append(r.tasks, task)
}

func (r *recordingReporter) SendProgress(_ context.Context, task *domain.Task, _ string, _, _ int) {
	r.events = append(r.events, "PROGRESS")
}

func (r *recordingReporter) SendSuccess(_ context.Context, task *domain.Task, _ []domain.OutputResult) {
	r.events = append(r.events, "COMPLETED")
	r.tasks = append(r.tasks, task)
}

func (r *recordingReporter) SendFailure(_ context.Context, task *domain.Task, _ string) {
	r.events = append(r.events, "FAILED")
	r.tasks = append(r.tasks, task)
}

type stubProcessor struct {
	called  int
	results []domain.OutputResult
	err     error
}

func (p *stubProcessor) Process(_ context.Context, _ *domain.Task) ([]domain.OutputResult, error) {
	p.called++
	return p.results, p.err
}

type stubResolver struct{ proc *stubProcessor }

func (r stubResolver) For(string) domain.Processor { return r.proc }

func TestDispatchSuccessEmitsCompleted(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{results: []domain.OutputResult{{URL: "https://cdn.test/a.png"}}}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"taskId": "t1", "workflowName": "comfyui_basic"})

	assert.Equal(t, 1, proc.called)
	assert.Equal(t, []string{"COMPLETED"}, reporter.events)
}

func TestDispatchFailureEmitsFailed(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{err: errors.New("graph rejected")}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"taskId": "t1", "workflowName": "comfyui_basic"})

	assert.Equal(t, []string{"FAILED"}, reporter.events)
}

func TestDispatchEngineUnavailableEmitsNothing(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{err: domain.ErrEngineUnavailable}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"taskId": "t1", "workflowName": "comfyui_basic"})

	assert.Equal(t, 1, proc.called)
	assert.Empty(t, reporter.events)
}

func TestDispatchFilterRejectsWithoutCallback(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"comfyui_*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"taskId": "t1", "workflowName": "faceswap"})

	assert.Zero(t, proc.called)
	assert.Empty(t, reporter.events)
}

func TestDispatchTestTaskShortCircuit(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"taskId": "test_task_42", "workflowName": "comfyui_basic"})
	d.dispatch(context.Background(), map[string]any{"taskId": "t1", "workflowName": "test_workflow"})

	assert.Zero(t, proc.called)
	assert.Equal(t, []string{"COMPLETED", "COMPLETED"}, reporter.events)
}

func TestDispatchTestTaskDisabled(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{results: []domain.OutputResult{{URL: "u"}}}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, false)

	d.dispatch(context.Background(), map[string]any{"taskId": "test_task_42", "workflowName": "comfyui_basic"})

	assert.Equal(t, 1, proc.called)
}

func TestDispatchNoResultsMessage(t *testing.T) {
	captured := ""
	reporter := &failureCapture{message: &captured}
	proc := &stubProcessor{err: domain.ErrNoResults}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"taskId": "t1", "workflowName": "comfyui_basic"})
	require.Equal(t, "No results generated.", captured)
}

type failureCapture struct {
	recordingReporter
	message *string
}

func (f *failureCapture) SendFailure(_ context.Context, _ *domain.Task, msg string) {
	*f.message = msg
}

func TestDispatchDiscardsMalformedTask(t *testing.T) {
	reporter := &recordingReporter{}
	proc := &stubProcessor{}
	d := NewDispatcher(nil, workflow.NewFilter([]string{"*"}, false), stubResolver{proc}, reporter, true)

	d.dispatch(context.Background(), map[string]any{"workflowName": "comfyui_basic"})

	assert.Zero(t, proc.called)
	assert.Empty(t, reporter.events)
}
