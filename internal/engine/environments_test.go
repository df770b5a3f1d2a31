package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	envDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(envDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(envDir, "config.json"), []byte(body), 0o644))
}

func TestLoadEnvironments(t *testing.T) {
	dir := t.TempDir()
	writeEnvConfig(t, dir, "video", `{"name":"video","port":3002,"workflows":["comfyui_video","comfyui_animate"]}`)
	writeEnvConfig(t, dir, "image", `{"name":"image","port":3001,"workflows":["comfyui_basic"]}`)

	envs := LoadEnvironments(dir)
	assert.Equal(t, 3002, envs.PortByWorkflow("comfyui_video"))
	assert.Equal(t, 3001, envs.PortByWorkflow("comfyui_basic"))
	assert.Equal(t, 3001, envs.PortByWorkflow("unmapped"))
	assert.ElementsMatch(t, []string{"comfyui_video", "comfyui_animate", "comfyui_basic"}, envs.Workflows())
}

func TestLoadEnvironmentsMissingDir(t *testing.T) {
	envs := LoadEnvironments(filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, 3001, envs.PortByWorkflow("anything"))
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "127.0.0.1:3001", HostPort("http://127.0.0.1:3001"))
	assert.Equal(t, "engine.local:8188", HostPort("https://engine.local:8188"))
	assert.Equal(t, "127.0.0.1:3001", HostPort("127.0.0.1:3001"))
}

func TestCacheRoutesWorkflowPorts(t *testing.T) {
	dir := t.TempDir()
	writeEnvConfig(t, dir, "video", `{"name":"video","port":3002,"workflows":["comfyui_video"]}`)
	envs := LoadEnvironments(dir)

	cache := NewCache(envs, "http://127.0.0.1:3001")
	assert.Equal(t, "127.0.0.1:3002", cache.Get("comfyui_video").ServerAddr())
	assert.Equal(t, "127.0.0.1:3001", cache.Get("comfyui_other").ServerAddr())
	assert.Equal(t, "127.0.0.1:3001", cache.Get("").ServerAddr())
}

func TestCacheReusesAndEvicts(t *testing.T) {
	cache := NewCache(nil, "http://127.0.0.1:3001")

	first := cache.Get("comfyui_basic")
	assert.Same(t, first, cache.Get("comfyui_basic"))

	cache.Evict("comfyui_basic")
	assert.NotSame(t, first, cache.Get("comfyui_basic"))

	// evicting an unknown entry is a no-op
	cache.Evict("never_seen")
}
