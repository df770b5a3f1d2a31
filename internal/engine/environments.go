package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultEnginePort = 3001

// Environment describes one engine instance: the port it listens on and the
// workflows routed to it.
type Environment struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Port        int      `json:"port"`
	Workflows   []string `json:"workflows"`
}

// Environments maps workflow names to engine instances. Configurations are
// loaded from <dir>/*/config.json at startup; a missing directory falls
// back to the default port for every workflow.
type Environments struct {
	byName     map[string]*Environment
	byWorkflow map[string]*Environment
}

// LoadEnvironments reads every environment config under dir.
func LoadEnvironments(dir string) *Environments {
	envs := &Environments{
		byName:     map[string]*Environment{},
		byWorkflow: map[string]*Environment{},
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*", "config.json"))
	if err != nil || len(matches) == 0 {
		slog.Warn("no environment configs found, using default engine port",
			slog.String("dir", dir), slog.Int("port", defaultEnginePort))
		return envs
	}

	for _, file := range matches {
		data, err := os.ReadFile(file)
		if err != nil {
			slog.Error("read environment config failed", slog.String("file", file), slog.Any("error", err))
			continue
		}
		var env Environment
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Error("parse environment config failed", slog.String("file", file), slog.Any("error", err))
			continue
		}
		if env.Port == 0 {
			env.Port = defaultEnginePort
		}
		envs.byName[env.Name] = &env
		for _, wf := range env.Workflows {
			envs.byWorkflow[wf] = &env
		}
		slog.Info("loaded engine environment",
			slog.String("name", env.Name), slog.Int("port", env.Port), slog.Any("workflows", env.Workflows))
	}
	return envs
}

// PortByWorkflow resolves the engine port serving workflowName.
func (e *Environments) PortByWorkflow(workflowName string) int {
	if env, ok := e.byWorkflow[workflowName]; ok {
		return env.Port
	}
	slog.Debug("workflow has no environment mapping, using default port",
		slog.String("workflow", workflowName), slog.Int("port", defaultEnginePort))
	return defaultEnginePort
}

// Workflows lists every workflow with an environment mapping.
func (e *Environments) Workflows() []string {
	out := make([]string, 0, len(e.byWorkflow))
	for wf := range e.byWorkflow {
		out = append(out, wf)
	}
	return out
}

// Info summarises the environment configuration for the facade API.
func (e *Environments) Info() map[string]any {
	envs := make(map[string]any, len(e.byName))
	for name, env := range e.byName {
		envs[name] = map[string]any{
			"description": env.Description,
			"port":        env.Port,
			"workflows":   env.Workflows,
		}
	}
	return map[string]any{
		"total_environments": len(e.byName),
		"total_workflows":    len(e.byWorkflow),
		"environments":       envs,
	}
}

// HostPort strips the scheme from an engine URL, returning host:port.
func HostPort(engineURL string) string {
	if u, err := url.Parse(engineURL); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(strings.TrimPrefix(engineURL, "https://"), "http://")
}

// Cache holds one long-lived Client per workflow name. Entries are created
// on demand and evicted when a connection-class error is observed, so the
// next task rebuilds a fresh client.
type Cache struct {
	mu         sync.Mutex
	clients    map[string]*Client
	envs       *Environments
	defaultURL string
}

// NewCache builds a client cache resolving ports via envs and falling back
// to defaultURL for workflows without a mapping.
func NewCache(envs *Environments, defaultURL string) *Cache {
	return &Cache{
		clients:    map[string]*Client{},
		envs:       envs,
		defaultURL: defaultURL,
	}
}

// Get returns the cached client for the workflow, creating it when absent.
func (c *Cache) Get(workflowName string) *Client {
	key := workflowName
	if key == "" {
		key = "default"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client
	}

	addr := HostPort(c.defaultURL)
	if workflowName != "" && c.envs != nil {
		if env, ok := c.envs.byWorkflow[workflowName]; ok {
			host := addr
			if i := strings.LastIndexByte(host, ':'); i >= 0 {
				host = host[:i]
			}
			addr = fmt.Sprintf("%s:%d", host, env.Port)
		}
	}
	client := NewClient(addr, workflowName)
	c.clients[key] = client
	slog.Info("created engine client",
		slog.String("workflow", key), slog.String("server", addr))
	return client
}

// Evict drops the cached client for the workflow, closing its connection.
func (c *Cache) Evict(workflowName string) {
	key := workflowName
	if key == "" {
		key = "default"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		client.Close()
		delete(c.clients, key)
		slog.Info("evicted engine client", slog.String("workflow", key))
	}
}
