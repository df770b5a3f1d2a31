package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Service is the thin wrapper over engine introspection endpoints used by
// the producer facade for queue/system stats.
type Service struct {
	serverAddr string
	httpc      *http.Client
}

// NewService builds a Service for the engine at engineURL.
func NewService(engineURL string) *Service {
	return &Service{
		serverAddr: HostPort(engineURL),
		httpc:      &http.Client{Timeout: 10 * time.Second},
	}
}

// QueueStatus summarises the engine's running and pending queues.
type QueueStatus struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

func (s *Service) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s%s", s.serverAddr, path), nil)
	if err != nil {
		return err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engine %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// QueueStatus fetches and summarises /queue.
func (s *Service) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	var raw struct {
		QueueRunning []json.RawMessage `json:"queue_running"`
		QueuePending []json.RawMessage `json:"queue_pending"`
	}
	if err := s.getJSON(ctx, "/queue", &raw); err != nil {
		return nil, err
	}
	return &QueueStatus{
		Running: len(raw.QueueRunning),
		Pending: len(raw.QueuePending),
		Total:   len(raw.QueueRunning) + len(raw.QueuePending),
	}, nil
}

// WaitReady polls /system_stats until the engine answers or the retry
// budget runs out. Returns false when the engine never came up; callers
// treat that as advisory, since the per-task liveness gate re-checks.
func (s *Service) WaitReady(ctx context.Context, interval time.Duration, retries int) bool {
	for attempt := 0; attempt < retries; attempt++ {
		if _, err := s.SystemStats(ctx); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// SystemStats returns the raw /system_stats payload.
func (s *Service) SystemStats(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/system_stats", s.serverAddr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine /system_stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine /system_stats: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
