// Package faceswap is the client for the co-located face-swap HTTP
// service the agent delegates faceswap workflows to.
package faceswap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
)

const healthTimeout = 5 * time.Second

// DefaultModel is the swapper model used when a task names none.
const DefaultModel = "inswapper_128_fp16"

// DefaultResolution is the output resolution used when a task names none.
const DefaultResolution = "1024x1024"

// Request is the process call payload. Both URLs must be http(s).
type Request struct {
	SourceURL  string `json:"source_url" validate:"required,url,startswith=http"`
	TargetURL  string `json:"target_url" validate:"required,url,startswith=http"`
	Resolution string `json:"resolution"`
	Model      string `json:"model"`
}

// Response is the process call result.
type Response struct {
	Status         string         `json:"status"`
	OutputPath     string         `json:"output_path,omitempty"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
	Error          string         `json:"error,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var validate = validator.New()

// Client calls the face-swap service.
type Client struct {
	baseURL    string
	timeout    time.Duration
	retryCount int
	httpc      *http.Client
}

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, retryCount int) *Client {
	if retryCount <= 0 {
		retryCount = 3
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    timeout,
		retryCount: retryCount,
		httpc:      &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured service base.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckHealth probes the service's /health endpoint.
func (c *Client) CheckHealth(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		slog.Warn("face swap service health check failed", slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Process submits the swap request, retrying transport failures up to the
// configured count with exponential backoff. A non-200 response is
// permanent: the service rejected the request.
func (c *Client) Process(ctx context.Context, request Request) (*Response, error) {
	if request.Resolution == "" {
		request.Resolution = DefaultResolution
	}
	if request.Model == "" {
		request.Model = DefaultModel
	}
	if err := validate.Struct(request); err != nil {
		return nil, fmt.Errorf("invalid face swap request: %w", err)
	}
	if !c.CheckHealth(ctx) {
		return nil, fmt.Errorf("face swap service is not available")
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	var result Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			slog.Warn("face swap request failed, retrying", slog.Any("error", err))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("face swap api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.retryCount-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolveURL turns a service-relative output path into an absolute URL.
func (c *Client) ResolveURL(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http") {
		return pathOrURL
	}
	return c.baseURL + pathOrURL
}

// Download fetches one output artifact from the service.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
