package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/workflow"
)

// PriorityQueues lists the Redis lanes in drain order, highest first.
var PriorityQueues = []string{
	"gpu:tasks:vip",
	"gpu:tasks:normal",
	"gpu:tasks:guest",
}

// Source produces raw producer-side task objects. A nil map with nil error
// means no work is available right now.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (map[string]any, error)
}

// RedisSource drains the three priority lists with atomic right-pops,
// giving at-most-once delivery across concurrent workers.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource parses a redis:// URL into a source.
func NewRedisSource(redisURL, password string) (*RedisSource, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	return &RedisSource{rdb: redis.NewClient(opts)}, nil
}

// NewRedisSourceFromClient wraps an existing client, mainly for tests.
func NewRedisSourceFromClient(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

// Name implements Source.
func (s *RedisSource) Name() string { return domain.SourceRedisQueue }

// Ping reports whether the Redis service is reachable.
func (s *RedisSource) Ping(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}

// Fetch pops the oldest element of the highest non-empty lane.
func (s *RedisSource) Fetch(ctx context.Context) (map[string]any, error) {
	for _, queue := range PriorityQueues {
		raw, err := s.rdb.RPop(ctx, queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rpop %s: %w", queue, err)
		}

		var task map[string]any
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			slog.Error("malformed task in queue, dropping",
				slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		// the lane the task came from wins over any producer-set priority
		task["priority"] = strings.TrimPrefix(queue, "gpu:tasks:")
		task["source_channel"] = domain.SourceRedisQueue
		slog.Info("fetched task from redis queue",
			slog.String("queue", queue), slog.Any("task_id", task["taskId"]))
		return task, nil
	}
	return nil, nil
}

// QueueLengths reports the length of every priority lane.
func (s *RedisSource) QueueLengths(ctx context.Context) map[string]int64 {
	lengths := make(map[string]int64, len(PriorityQueues))
	for _, queue := range PriorityQueues {
		n, err := s.rdb.LLen(ctx, queue).Result()
		if err != nil {
			lengths[queue] = -1
			continue
		}
		lengths[queue] = n
	}
	return lengths
}

// Push enqueues a task into the lane for the given priority; used by tests
// and diagnostics.
func (s *RedisSource) Push(ctx context.Context, task map[string]any, priority domain.Priority) error {
	queue := "gpu:tasks:" + string(priority)
	switch priority {
	case domain.PriorityVIP, domain.PriorityNormal, domain.PriorityGuest:
	default:
		queue = "gpu:tasks:normal"
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, queue, raw).Err()
}

// fetchEnvelope is the producer fetch response wrapper.
type fetchEnvelope struct {
	Success *bool          `json:"success"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// HTTPSource polls an ordered list of producer bases; the first base that
// returns a task wins and tags the task's source channel.
type HTTPSource struct {
	bases  []string
	filter *workflow.Filter
	httpc  *http.Client
}

// NewHTTPSource builds a source over the producer bases. When the filter
// is restrictive the accepted workflow names are forwarded so producers
// can match jobs to this worker.
func NewHTTPSource(bases []string, filter *workflow.Filter) *HTTPSource {
	trimmed := make([]string, 0, len(bases))
	for _, b := range bases {
		if b = strings.TrimSuffix(strings.TrimSpace(b), "/"); b != "" {
			trimmed = append(trimmed, b)
		}
	}
	return &HTTPSource{
		bases:  trimmed,
		filter: filter,
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Source.
func (s *HTTPSource) Name() string { return "http" }

// Fetch polls every base in order and returns the first task offered.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]any, error) {
	for _, base := range s.bases {
		task := s.fetchFrom(ctx, base)
		if task != nil {
			task["source_channel"] = base
			return task, nil
		}
	}
	return nil, nil
}

func (s *HTTPSource) fetchFrom(ctx context.Context, base string) map[string]any {
	q := url.Values{}
	if s.filter != nil && !s.filter.AllowsAll() {
		for _, name := range s.filter.Allowed() {
			q.Add("workflow_names", name)
		}
	}
	fetchURL := base + "/api/comm/task/fetch"
	if encoded := q.Encode(); encoded != "" {
		fetchURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		slog.Debug("task fetch failed", slog.String("base", base), slog.Any("error", err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Debug("task fetch non-2xx",
			slog.String("base", base), slog.Int("status", resp.StatusCode))
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var envelope fetchEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		slog.Debug("malformed producer response", slog.String("base", base), slog.Any("error", err))
		return nil
	}
	success := envelope.Code == 200
	if envelope.Success != nil {
		success = *envelope.Success
	}
	if !success || envelope.Data == nil {
		return nil
	}
	slog.Info("fetched task from producer",
		slog.String("base", base), slog.Any("task_id", envelope.Data["taskId"]))
	return envelope.Data
}
