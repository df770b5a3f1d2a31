package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/observability"
)

const (
	callbackPath     = "/api/comm/task/update"
	callbackRetries  = 3
	callbackBase     = 500 * time.Millisecond
	progressInterval = 3 * time.Second
	// progressOverride always delivers progress once execution crosses 90%.
	progressOverride = 0.9
	// startTimeBound caps the start-time map so tasks that never reach a
	// terminal callback cannot grow it without limit.
	startTimeBound = 4096
)

// updatePayload is the POST body of a status callback.
type updatePayload struct {
	TaskID      string            `json:"taskId"`
	Status      domain.TaskStatus `json:"status"`
	TaskMessage string            `json:"task_message,omitempty"`
	StartedAt   string            `json:"started_at,omitempty"`
	FinishedAt  string            `json:"finished_at,omitempty"`
	QueuedAt    string            `json:"queued_at,omitempty"`
	DurationMS  *int64            `json:"duration_ms,omitempty"`
	Queue       string            `json:"queue,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	OutputData  *outputData       `json:"output_data,omitempty"`
}

type outputData struct {
	URLs    []string              `json:"urls"`
	Results []domain.OutputResult `json:"results,omitempty"`
}

// StatusReporter delivers per-task state transitions to producers over
// HTTP. Callbacks are best-effort: exhausted retries are logged, never
// surfaced into task state.
type StatusReporter struct {
	defaultCallbackURL string
	apiBase            string
	httpc              *http.Client
	now                func() time.Time

	mu           sync.Mutex
	startTimes   map[string]time.Time
	lastProgress map[string]time.Time
}

// NewStatusReporter builds a reporter. defaultCallbackURL handles
// redis_queue tasks (empty means their callbacks are skipped); apiBase is
// the fallback producer for tasks with no usable source channel.
func NewStatusReporter(defaultCallbackURL, apiBase string, timeout time.Duration) *StatusReporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StatusReporter{
		defaultCallbackURL: defaultCallbackURL,
		apiBase:            apiBase,
		httpc:              &http.Client{Timeout: timeout},
		now:                time.Now,
		startTimes:         map[string]time.Time{},
		lastProgress:       map[string]time.Time{},
	}
}

// resolveURL picks the callback endpoint for a task. Returns "" when the
// callback must be skipped entirely (redis task without a configured
// callback URL).
func (r *StatusReporter) resolveURL(task *domain.Task) string {
	if task.CallbackURL != "" {
		return task.CallbackURL
	}
	if strings.HasPrefix(task.SourceChannel, "http://") || strings.HasPrefix(task.SourceChannel, "https://") {
		return strings.TrimSuffix(task.SourceChannel, "/") + callbackPath
	}
	if task.SourceChannel == domain.SourceRedisQueue {
		return r.defaultCallbackURL
	}
	if r.apiBase != "" {
		return strings.TrimSuffix(r.apiBase, "/") + callbackPath
	}
	return ""
}

func (r *StatusReporter) post(ctx context.Context, url string, payload updatePayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal status payload failed", slog.Any("error", err))
		return
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("callback returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = callbackBase
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, callbackRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		observability.CallbackFailures.Inc()
		slog.Error("status callback failed",
			slog.String("task_id", payload.TaskID),
			slog.String("status", string(payload.Status)),
			slog.String("url", url),
			slog.Any("error", err))
		return
	}
	slog.Info("status callback sent",
		slog.String("task_id", payload.TaskID), slog.String("status", string(payload.Status)))
}

// markStarted records the task start time for duration accounting.
func (r *StatusReporter) markStarted(taskID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.startTimes) >= startTimeBound {
		// drop the oldest entry rather than growing without bound
		var oldestID string
		var oldest time.Time
		for id, t := range r.startTimes {
			if oldestID == "" || t.Before(oldest) {
				oldestID, oldest = id, t
			}
		}
		delete(r.startTimes, oldestID)
	}
	started := r.now().UTC()
	r.startTimes[taskID] = started
	return started
}

// popStarted removes and returns the recorded start time.
func (r *StatusReporter) popStarted(taskID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	started, ok := r.startTimes[taskID]
	if ok {
		delete(r.startTimes, taskID)
	}
	delete(r.lastProgress, taskID)
	return started, ok
}

// SendProcessing reports the PROCESSING transition and starts the duration
// clock.
func (r *StatusReporter) SendProcessing(ctx context.Context, task *domain.Task) {
	started := r.markStarted(task.TaskID)
	url := r.resolveURL(task)
	if url == "" {
		slog.Debug("no callback url resolvable, skipping", slog.String("task_id", task.TaskID))
		return
	}
	r.post(ctx, url, updatePayload{
		TaskID:    task.TaskID,
		Status:    domain.TaskProcessing,
		StartedAt: started.Format(time.RFC3339),
		QueuedAt:  task.QueuedAt,
		Queue:     queueName(task.Priority),
		Priority:  string(task.Priority),
	})
}

// SendProgress forwards a rate-limited progress note: at most one per 3s
// per task, always delivered once execution reaches 90%.
func (r *StatusReporter) SendProgress(ctx context.Context, task *domain.Task, message string, value, max int) {
	now := r.now()

	r.mu.Lock()
	last, seen := r.lastProgress[task.TaskID]
	due := !seen || now.Sub(last) >= progressInterval
	if max > 0 && float64(value)/float64(max) >= progressOverride {
		due = true
	}
	if due {
		r.lastProgress[task.TaskID] = now
	}
	r.mu.Unlock()
	if !due {
		return
	}

	url := r.resolveURL(task)
	if url == "" {
		return
	}
	r.post(ctx, url, updatePayload{
		TaskID:      task.TaskID,
		Status:      domain.TaskProcessing,
		TaskMessage: message,
	})
}

func (r *StatusReporter) sendTerminal(ctx context.Context, task *domain.Task, status domain.TaskStatus, message string, results []domain.OutputResult) {
	finished := r.now().UTC()
	started, hasStart := r.popStarted(task.TaskID)

	url := r.resolveURL(task)
	if url == "" {
		slog.Debug("no callback url resolvable, skipping terminal callback",
			slog.String("task_id", task.TaskID), slog.String("status", string(status)))
		return
	}

	payload := updatePayload{
		TaskID:     task.TaskID,
		Status:     status,
		FinishedAt: finished.Format(time.RFC3339),
		QueuedAt:   task.QueuedAt,
		Queue:      queueName(task.Priority),
		Priority:   string(task.Priority),
	}
	if message != "" {
		payload.TaskMessage = message
	}
	if hasStart {
		payload.StartedAt = started.Format(time.RFC3339)
		duration := finished.Sub(started).Milliseconds()
		payload.DurationMS = &duration
	}
	if len(results) > 0 {
		urls := make([]string, len(results))
		for i, res := range results {
			urls[i] = res.URL
		}
		payload.OutputData = &outputData{URLs: urls, Results: results}
	}
	r.post(ctx, url, payload)
}

// SendSuccess reports the COMPLETED transition with the output URLs.
func (r *StatusReporter) SendSuccess(ctx context.Context, task *domain.Task, results []domain.OutputResult) {
	r.sendTerminal(ctx, task, domain.TaskCompleted, "", results)
}

// SendFailure reports the FAILED transition.
func (r *StatusReporter) SendFailure(ctx context.Context, task *domain.Task, errMsg string) {
	r.sendTerminal(ctx, task, domain.TaskFailed, errMsg, nil)
}

func queueName(p domain.Priority) string {
	if p == "" {
		return ""
	}
	return "gpu:tasks:" + string(p)
}
