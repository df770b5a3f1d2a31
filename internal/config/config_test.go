package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeHTTP, cfg.ConsumerMode)
	assert.Equal(t, 150*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 10, cfg.DownloadConcurrency)
	assert.Equal(t, 4, cfg.UploadConcurrency)
	assert.Equal(t, "*", cfg.AllowedWorkflows)
	assert.True(t, cfg.IsDev())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONSUMER_MODE", "redis_queue")
	t.Setenv("TASK_API_URLS", "http://a.test,http://b.test")
	t.Setenv("ALLOWED_WORKFLOWS", "comfyui_*, faceswap")
	t.Setenv("TASK_TIMEOUT", "60s")
	t.Setenv("APP_ENV", "prod")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeRedisQueue, cfg.ConsumerMode)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.TaskAPIURLs)
	assert.Equal(t, []string{"comfyui_*", "faceswap"}, cfg.AllowedWorkflowList())
	assert.Equal(t, time.Minute, cfg.TaskTimeout)
	assert.True(t, cfg.IsProd())
}

func TestAPIBaseURL(t *testing.T) {
	cfg := Config{Host: "0.0.0.0", Port: 8001}
	assert.Equal(t, "http://127.0.0.1:8001", cfg.APIBaseURL())

	cfg.Host = "10.0.0.5"
	assert.Equal(t, "http://10.0.0.5:8001", cfg.APIBaseURL())
}
