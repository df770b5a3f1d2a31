package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/observability"
	"github.com/be-as-one/gpu-task-agent/internal/workflow"
)

const (
	idleSleep  = time.Second
	errorSleep = 3 * time.Second

	testTaskPrefix   = "test_task_"
	testWorkflowName = "test_workflow"
)

// ProcessorResolver maps workflow names to processors; satisfied by
// processor.Registry.
type ProcessorResolver interface {
	For(workflowName string) domain.Processor
}

// Dispatcher is the outer consumer loop: pull a task, normalise it, gate
// admission, route it to a processor, and publish the terminal state. One
// task is in flight at any instant.
type Dispatcher struct {
	source          Source
	filter          *workflow.Filter
	registry        ProcessorResolver
	reporter        domain.Reporter
	enableTestTasks bool
}

// NewDispatcher wires the loop dependencies.
func NewDispatcher(source Source, filter *workflow.Filter, registry ProcessorResolver, reporter domain.Reporter, enableTestTasks bool) *Dispatcher {
	return &Dispatcher{
		source:          source,
		filter:          filter,
		registry:        registry,
		reporter:        reporter,
		enableTestTasks: enableTestTasks,
	}
}

// Run consumes tasks until the context is cancelled. Source errors never
// terminate the loop; the in-flight task is finished before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started", slog.String("source", d.source.Name()))
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return ctx.Err()
		default:
		}

		raw, err := d.source.Fetch(ctx)
		if err != nil {
			slog.Debug("task fetch error", slog.Any("error", err))
			sleep(ctx, errorSleep)
			continue
		}
		if raw == nil {
			sleep(ctx, idleSleep)
			continue
		}
		d.dispatch(ctx, raw)
	}
}

// dispatch runs one raw producer task through the pipeline.
func (d *Dispatcher) dispatch(ctx context.Context, raw map[string]any) {
	task, err := Normalize(raw)
	if err != nil {
		slog.Error("discarding malformed task", slog.Any("error", err))
		return
	}
	observability.TasksFetched.WithLabelValues(task.SourceChannel, string(task.Priority)).Inc()

	log := slog.With(
		slog.String("task_id", task.TaskID),
		slog.String("workflow", task.WorkflowName))

	if d.enableTestTasks && isTestTask(task) {
		log.Info("test task detected, completing without processing")
		d.reporter.SendSuccess(ctx, task, nil)
		return
	}

	// Admission gate: a disallowed workflow is left untouched (no status
	// update, no callback) so a worker with a different allow-list can
	// eventually pick it up.
	if !d.filter.Allows(task.WorkflowName) {
		log.Info("workflow not allowed on this worker, skipping task")
		return
	}

	log.Info("processing task", slog.String("priority", string(task.Priority)))
	results, err := d.registry.For(task.WorkflowName).Process(ctx, task)
	switch {
	case err == nil:
		log.Info("task completed", slog.Int("results", len(results)))
		observability.TasksProcessed.WithLabelValues(task.WorkflowName, string(domain.TaskCompleted)).Inc()
		d.reporter.SendSuccess(ctx, task, results)
	case errors.Is(err, domain.ErrEngineUnavailable):
		// Released, not failed: no status change, no callback. In HTTP
		// mode the producer redelivers; in Redis mode the pop already
		// consumed the task and producers must tolerate the loss.
		log.Warn("engine unavailable, task released", slog.Any("error", err))
		observability.TasksReleased.Inc()
	default:
		message := err.Error()
		if errors.Is(err, domain.ErrNoResults) {
			message = "No results generated."
		}
		log.Error("task failed", slog.Any("error", err))
		observability.TasksProcessed.WithLabelValues(task.WorkflowName, string(domain.TaskFailed)).Inc()
		d.reporter.SendFailure(ctx, task, message)
	}
}

func isTestTask(task *domain.Task) bool {
	return strings.HasPrefix(task.TaskID, testTaskPrefix) ||
		strings.HasPrefix(task.WorkflowName, testTaskPrefix) ||
		task.WorkflowName == testWorkflowName
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
