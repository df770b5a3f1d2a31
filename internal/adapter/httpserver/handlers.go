// Package httpserver exposes the producer facade: the fetch/update
// endpoints workers poll, task creation helpers, and thin wrappers over
// engine introspection.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/be-as-one/gpu-task-agent/internal/config"
	"github.com/be-as-one/gpu-task-agent/internal/consumer"
	"github.com/be-as-one/gpu-task-agent/internal/consumer/processor"
	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/engine"
	"github.com/be-as-one/gpu-task-agent/internal/taskmanager"
	"github.com/be-as-one/gpu-task-agent/internal/workflow"
)

// Server aggregates the facade dependencies. Redis is optional and only
// feeds queue lengths into the stats endpoint.
type Server struct {
	Cfg    config.Config
	Tasks  *taskmanager.Manager
	Engine *engine.Service
	Filter *workflow.Filter
	Redis  *consumer.RedisSource
}

// NewServer constructs the facade server.
func NewServer(cfg config.Config, tasks *taskmanager.Manager, engineSvc *engine.Service, filter *workflow.Filter, redis *consumer.RedisSource) *Server {
	return &Server{Cfg: cfg, Tasks: tasks, Engine: engineSvc, Filter: filter, Redis: redis}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// envelope is the uniform response wrapper of the comm endpoints.
type envelope struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeEnvelope(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Success: code >= 200 && code < 300, Code: code, Message: message, Data: data})
}

// FetchTaskHandler hands the oldest matching pending task to a worker.
func (s *Server) FetchTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed := r.URL.Query()["workflow_names"]
		task := s.Tasks.Next(allowed)
		if task == nil {
			writeEnvelope(w, http.StatusOK, "No tasks available", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "Task fetched successfully", task)
	}
}

// taskUpdateRequest is the worker-reported status transition.
type taskUpdateRequest struct {
	TaskID      string         `json:"taskId" validate:"required"`
	Status      string         `json:"status" validate:"required"`
	TaskMessage string         `json:"task_message"`
	StartedAt   string         `json:"started_at"`
	FinishedAt  string         `json:"finished_at"`
	OutputData  map[string]any `json:"output_data"`
}

// UpdateTaskHandler records a worker-reported status transition.
func (s *Server) UpdateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, "invalid JSON body", nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		err := s.Tasks.Update(req.TaskID, domain.TaskStatus(req.Status), req.TaskMessage, req.StartedAt, req.FinishedAt, req.OutputData)
		if errors.Is(err, domain.ErrNotFound) {
			writeEnvelope(w, http.StatusNotFound, "Task not found", nil)
			return
		}
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, err.Error(), nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "Task updated successfully", nil)
	}
}

// createTaskRequest creates one task of any workflow.
type createTaskRequest struct {
	WorkflowName string         `json:"workflow_name" validate:"required"`
	Params       map[string]any `json:"params"`
}

// CreateTaskHandler registers a new pending task.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, "invalid JSON body", nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		task := s.Tasks.Create(req.WorkflowName, req.Params)
		writeEnvelope(w, http.StatusOK, req.WorkflowName+" task created", task)
	}
}

// faceSwapCreateRequest is the convenience endpoint for faceswap tasks.
type faceSwapCreateRequest struct {
	SourceURL  string `json:"source_url" validate:"required,startswith=http"`
	TargetURL  string `json:"target_url" validate:"required,startswith=http"`
	Resolution string `json:"resolution"`
	MediaType  string `json:"media_type" validate:"omitempty,oneof=image video"`
}

// CreateFaceSwapHandler registers a faceswap task with validated URLs.
func (s *Server) CreateFaceSwapHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req faceSwapCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, "invalid JSON body", nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		if req.Resolution == "" {
			req.Resolution = "1024x1024"
		}
		if req.MediaType == "" {
			req.MediaType = "image"
		}
		task := s.Tasks.Create("faceswap", map[string]any{
			"input_data": map[string]any{
				"wf_json": map[string]any{
					"source_url": req.SourceURL,
					"target_url": req.TargetURL,
					"resolution": req.Resolution,
					"media_type": req.MediaType,
				},
			},
		})
		writeEnvelope(w, http.StatusOK, "FaceSwap task created", task)
	}
}

// ListTasksHandler returns every known task.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Tasks.All())
	}
}

// StatsHandler summarises task counts plus queue lengths when a Redis
// source is configured.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byStatus, byWorkflow := s.Tasks.Stats()
		body := map[string]any{
			"success":        true,
			"stats":          byStatus,
			"workflow_stats": byWorkflow,
		}
		if s.Redis != nil {
			body["queue_lengths"] = s.Redis.QueueLengths(r.Context())
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// SupportedWorkflowsHandler reports the admission filter and routing rules.
func (s *Server) SupportedWorkflowsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":           true,
			"allowed_workflows": s.Filter.Allowed(),
			"allows_all":        s.Filter.AllowsAll(),
			"processors":        processor.Supported(),
		})
	}
}

// QueueStatusHandler proxies the engine queue summary.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.Engine.QueueStatus(r.Context())
		if err != nil {
			slog.Error("engine queue status failed", slog.Any("error", err))
			writeEnvelope(w, http.StatusBadGateway, err.Error(), nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "ok", status)
	}
}

// SystemStatsHandler proxies the engine system stats.
func (s *Server) SystemStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Engine.SystemStats(r.Context())
		if err != nil {
			slog.Error("engine system stats failed", slog.Any("error", err))
			writeEnvelope(w, http.StatusBadGateway, err.Error(), nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "ok", json.RawMessage(stats))
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
