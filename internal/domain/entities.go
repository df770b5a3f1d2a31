// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"encoding/json"
)

// Priority names the Redis lane a task was drained from.
type Priority string

// Priority lanes, highest first.
const (
	PriorityVIP    Priority = "vip"
	PriorityNormal Priority = "normal"
	PriorityGuest  Priority = "guest"
)

// TaskStatus captures the lifecycle state of a dispatched task.
type TaskStatus string

// Task status values as reported to producers.
const (
	// TaskPending is the producer-side state before a worker fetches the task.
	TaskPending TaskStatus = "PENDING"
	// TaskFetched is the producer-side state after a worker fetched the task.
	TaskFetched TaskStatus = "FETCHED"
	// TaskProcessing is the state while a worker executes the task.
	TaskProcessing TaskStatus = "PROCESSING"
	// TaskCompleted is the terminal success state.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed is the terminal failure state.
	TaskFailed TaskStatus = "FAILED"
)

// SourceRedisQueue is the source channel tag for tasks popped from Redis.
const SourceRedisQueue = "redis_queue"

// Task is the canonical job record produced by the Normaliser. It is
// immutable after normalisation; downstream state lives in the engine
// session and the status reporter.
type Task struct {
	// TaskID uniquely identifies the task across producers.
	TaskID string
	// WorkflowName selects the processor and the engine endpoint.
	WorkflowName string
	// Priority is the Redis lane for queued tasks; otherwise the producer's
	// value when valid, else "normal".
	Priority Priority
	// SourceChannel is an HTTP base URL or the literal "redis_queue".
	SourceChannel string
	// CallbackURL is a per-task override for status reporting.
	CallbackURL string
	// Params carries the producer payload; Params.InputData.WFJSON is
	// either an engine graph or a face-swap parameter block.
	Params TaskParams
	// CreatedAt is set by the producer.
	CreatedAt string
	// QueuedAt is when the producer enqueued the task, if known.
	QueuedAt string
	// Raw retains the original producer object for diagnostics.
	Raw map[string]any
}

// TaskParams wraps the task input payload.
type TaskParams struct {
	InputData InputData `json:"input_data"`
}

// InputData holds the workflow graph or face-swap parameter block.
type InputData struct {
	WFJSON json.RawMessage `json:"wf_json,omitempty"`
}

// Node is one entry of an engine graph. ClassType is treated as an opaque
// tag; Inputs values are scalars or (node_id, output_index) pairs that the
// engine, not this agent, resolves.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is the declarative per-task program submitted to the engine.
type Graph map[string]*Node

// MediaKind classifies an artifact or input reference.
type MediaKind string

// Media kinds.
const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
	MediaUnknown MediaKind = "unknown"
)

// UploadTask describes one artifact to transfer from the engine-local
// filesystem to object storage. DestinationPath is unique per task:
// YYYYMMDD/<task_id>_<sequence><ext>, sequence assigned at harvest time.
type UploadTask struct {
	Kind            MediaKind
	Filename        string
	Subfolder       string
	FolderType      string
	DestinationPath string
	SourceNodeID    string
}

// MediaMetadata carries probeable per-artifact metadata (image dimensions,
// video duration when known).
type MediaMetadata struct {
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Format   string  `json:"format,omitempty"`
}

// OutputResult pairs an uploaded URL with its metadata.
type OutputResult struct {
	URL      string         `json:"url"`
	Kind     MediaKind      `json:"type"`
	Metadata *MediaMetadata `json:"metadata,omitempty"`
}

// Uploader is the storage port consumed by the processors.
type Uploader interface {
	// UploadBinary uploads raw bytes and returns the public URL.
	UploadBinary(ctx context.Context, data []byte, destinationPath string) (string, error)
	// UploadFile uploads a local file, consuming it on success.
	UploadFile(ctx context.Context, sourcePath, destinationPath string) (string, error)
	// UploadBase64 decodes and uploads base64 data.
	UploadBase64(ctx context.Context, data, destinationPath string) (string, error)
}

// Reporter is the status-callback port consumed by the processors and the
// dispatcher. Implementations are best-effort: failures are logged, never
// propagated into task state.
type Reporter interface {
	SendProcessing(ctx context.Context, task *Task)
	SendProgress(ctx context.Context, task *Task, message string, value, max int)
	SendSuccess(ctx context.Context, task *Task, results []OutputResult)
	SendFailure(ctx context.Context, task *Task, errMsg string)
}

// Processor executes one task end to end and returns the produced output
// results. A nil error with empty results never happens: processors return
// ErrNoResults instead.
type Processor interface {
	Process(ctx context.Context, task *Task) ([]OutputResult, error)
}
