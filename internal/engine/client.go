// Package engine implements the client for the generative engine: HTTP
// submit/poll/introspection plus the WebSocket event stream used to track
// workflow execution.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

const (
	healthTimeout    = 2 * time.Second
	handshakeTimeout = 10 * time.Second
	recvDeadline     = 5 * time.Second
	connectAttempts  = 3
	// DefaultTaskTimeout bounds the wait for the terminal marker.
	DefaultTaskTimeout = 150 * time.Second
)

// ProgressFunc receives coarse execution progress from the event stream.
type ProgressFunc func(value, max int)

// Client talks to one engine instance. A client is scoped to a workflow
// name (which selects the instance port) and owns at most one WebSocket
// connection, reused across tasks serialised through the client cache.
type Client struct {
	serverAddr   string
	workflowName string
	clientID     string
	httpc        *http.Client
	dialer       *websocket.Dialer

	mu         sync.Mutex
	ws         *websocket.Conn
	reuseCount int
}

// NewClient constructs a client for the engine at host:port serverAddr.
func NewClient(serverAddr, workflowName string) *Client {
	return &Client{
		serverAddr:   serverAddr,
		workflowName: workflowName,
		clientID:     uuid.NewString(),
		httpc:        &http.Client{Timeout: 30 * time.Second},
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// ServerAddr returns the host:port this client targets.
func (c *Client) ServerAddr() string { return c.serverAddr }

// ClientID returns the stable WebSocket correlation id.
func (c *Client) ClientID() string { return c.clientID }

// ReuseCount returns how many times the current WebSocket connection has
// been reused across tasks.
func (c *Client) ReuseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reuseCount
}

// CheckHealth probes /system_stats with a short timeout; any 2xx means the
// engine is accepting work.
func (c *Client) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/system_stats", c.serverAddr), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		slog.Debug("engine health probe failed",
			slog.String("server", c.serverAddr), slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// connectDelay picks the retry delay for a failed dial. Connection refused
// means the engine process is still coming up, so the short flat delay is
// used for every attempt.
func connectDelay(err error, attempt int) time.Duration {
	if strings.Contains(err.Error(), "connection refused") {
		return 500 * time.Millisecond
	}
	return time.Duration(500*(1<<attempt)) * time.Millisecond // 0.5s, 1s, 2s
}

// ConnectWebSocket establishes the event stream, reusing a live connection
// when one exists. The HTTP health probe gates the dial: a dead engine
// fails fast as ErrEngineUnavailable without a WebSocket attempt.
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.ws != nil {
		c.reuseCount++
		slog.Debug("reusing websocket connection",
			slog.String("server", c.serverAddr), slog.Int("reuse_count", c.reuseCount))
		return nil
	}

	if !c.checkHealthLocked(ctx) {
		return fmt.Errorf("%w: engine at %s is not available", domain.ErrEngineUnavailable, c.serverAddr)
	}

	wsURL := url.URL{Scheme: "ws", Host: c.serverAddr, Path: "/ws", RawQuery: "clientId=" + c.clientID}
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
		if err == nil {
			c.ws = conn
			c.reuseCount = 0
			slog.Info("websocket connected", slog.String("server", c.serverAddr))
			return nil
		}
		lastErr = err
		slog.Warn("websocket connect failed",
			slog.String("server", c.serverAddr),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		if attempt < connectAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(connectDelay(err, attempt)):
			}
		}
	}
	return fmt.Errorf("%w: websocket connect to %s: %v", domain.ErrEngineUnavailable, c.serverAddr, lastErr)
}

// checkHealthLocked mirrors CheckHealth without re-acquiring the mutex.
func (c *Client) checkHealthLocked(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, fmt.Sprintf("http://%s/system_stats", c.serverAddr), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Close tears down the WebSocket connection if present.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}

// promptRequest is the POST /prompt body.
type promptRequest struct {
	Prompt   domain.Graph `json:"prompt"`
	ClientID string       `json:"client_id"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
}

// QueuePrompt submits the graph and returns the engine-assigned prompt id.
func (c *Client) QueuePrompt(ctx context.Context, graph domain.Graph) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/prompt", c.serverAddr), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("engine rejected prompt: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("engine returned empty prompt_id")
	}
	slog.Debug("prompt queued", slog.String("prompt_id", pr.PromptID))
	return pr.PromptID, nil
}

// NodeOutput is the engine's per-node artifact listing in history.
type NodeOutput struct {
	Images  []FileRef         `json:"images,omitempty"`
	Audio   []FileRef         `json:"audio,omitempty"`
	Audios  []FileRef         `json:"audios,omitempty"`
	Gifs    []FileRef         `json:"gifs,omitempty"`
	Videos  []FileRef         `json:"videos,omitempty"`
	Widgets []json.RawMessage `json:"widgets,omitempty"`
}

// FileRef locates one artifact in the engine filesystem.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
}

// History fetches the post-run output mapping for a prompt id. The result
// maps node id to the node's outputs; a missing prompt id yields an empty
// map, not an error.
func (c *Client) History(ctx context.Context, promptID string) (map[string]NodeOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/history/%s", c.serverAddr, promptID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("history returned status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		Outputs map[string]NodeOutput `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := payload[promptID]
	if !ok {
		slog.Warn("prompt not present in history", slog.String("prompt_id", promptID))
		return map[string]NodeOutput{}, nil
	}
	return entry.Outputs, nil
}

// View fetches an artifact's raw bytes. The /view endpoint serves every
// artifact kind (image, video, audio).
func (c *Client) View(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", folderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/view?%s", c.serverAddr, q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", filename, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("view %s: status %d", filename, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", filename, err)
	}
	slog.Debug("fetched artifact", slog.String("filename", filename), slog.Int("bytes", len(data)))
	return data, nil
}

// ObjectInfo fetches the engine's introspection data for one node type.
func (c *Client) ObjectInfo(ctx context.Context, nodeType string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/object_info/%s", c.serverAddr, nodeType), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("object_info %s: %w", nodeType, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("object_info %s: status %d", nodeType, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// wsEnvelope is the JSON frame wrapper on the event stream.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

type progressData struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// WaitForCompletion consumes the event stream until the terminal marker for
// promptID (an executing event with node == null) arrives, forwarding
// progress events. Receive timeouts are not fatal; the loop runs until the
// overall deadline, whose expiry is a durable failure, not an availability
// problem. Any other receive error triggers one reconnect attempt before
// propagating as ErrEngineUnavailable.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, timeout time.Duration, onProgress ProgressFunc) error {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("workflow execution timed out after %s", timeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(recvDeadline))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			slog.Warn("websocket receive failed, reconnecting",
				slog.String("server", c.serverAddr), slog.Any("error", err))
			c.closeLocked()
			if rerr := c.connectLocked(ctx); rerr != nil {
				return rerr
			}
			continue
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Error("malformed engine event", slog.Any("error", err))
			continue
		}

		switch env.Type {
		case "executing":
			var data executingData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				slog.Error("malformed executing event", slog.Any("error", err))
				continue
			}
			if data.PromptID != promptID {
				continue
			}
			if data.Node == nil {
				slog.Debug("all nodes executed", slog.String("prompt_id", promptID))
				return nil
			}
			slog.Debug("executing node", slog.String("node", *data.Node))
		case "progress":
			var data progressData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				slog.Error("malformed progress event", slog.Any("error", err))
				continue
			}
			if onProgress != nil {
				onProgress(data.Value, data.Max)
			}
		default:
			slog.Debug("ignoring engine event", slog.String("type", env.Type))
		}
	}
}
