// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Consumer source modes.
const (
	ModeHTTP       = "http"
	ModeRedisQueue = "redis_queue"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Host   string `env:"HOST" envDefault:"0.0.0.0"`
	Port   int    `env:"PORT" envDefault:"8001"`

	// ConsumerMode selects the task source: "http" or "redis_queue".
	ConsumerMode string `env:"CONSUMER_MODE" envDefault:"http"`
	// TaskAPIURLs is the ordered list of producer bases polled in HTTP mode.
	TaskAPIURLs []string `env:"TASK_API_URLS" envSeparator:"," envDefault:"http://127.0.0.1:8001"`
	// TaskCallbackURL receives status updates for redis_queue tasks. Empty
	// means callbacks for queue tasks are skipped.
	TaskCallbackURL     string        `env:"TASK_CALLBACK_URL"`
	TaskCallbackTimeout time.Duration `env:"TASK_CALLBACK_TIMEOUT" envDefault:"10s"`

	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// ComfyUIURL is the default engine address when a workflow has no
	// environment-specific port mapping.
	ComfyUIURL      string        `env:"COMFYUI_URL" envDefault:"http://127.0.0.1:3001"`
	ComfyUIInputDir string        `env:"COMFYUI_INPUT_DIR" envDefault:"/workspace/ComfyUI/input"`
	EnvironmentsDir string        `env:"ENVIRONMENTS_DIR" envDefault:"/config/environments"`
	TaskTimeout     time.Duration `env:"TASK_TIMEOUT" envDefault:"150s"`
	// LoraCacheEnabled toggles the lazy model-catalog cache used by LoRA
	// path repair.
	LoraCacheEnabled bool `env:"LORA_CACHE_ENABLED" envDefault:"true"`
	// Ready-check: how long to wait for the engine to come up at startup
	// before the consumer begins polling anyway.
	ComfyUIReadyInterval time.Duration `env:"COMFYUI_READY_INTERVAL" envDefault:"5s"`
	ComfyUIReadyRetries  int           `env:"COMFYUI_READY_RETRIES" envDefault:"60"`

	DownloadConcurrency int `env:"DOWNLOAD_CONCURRENCY" envDefault:"10"`
	UploadConcurrency   int `env:"UPLOAD_CONCURRENCY" envDefault:"4"`

	// AllowedWorkflows is the comma-separated admission allow-list; "*"
	// disables filtering.
	AllowedWorkflows string `env:"ALLOWED_WORKFLOWS" envDefault:"*"`
	LogFilteredTasks bool   `env:"LOG_FILTERED_TASKS" envDefault:"true"`
	EnableTestTasks  bool   `env:"ENABLE_TEST_TASKS" envDefault:"true"`

	// StorageProvider selects the default backend: gcs, r2 or cf_images.
	StorageProvider string `env:"STORAGE_PROVIDER" envDefault:"gcs"`
	StorageStrict   bool   `env:"STORAGE_STRICT" envDefault:"false"`
	GCSBucketName   string `env:"GCS_BUCKET_NAME"`
	CDNURL          string `env:"CDN_URL"`

	R2BucketName    string `env:"R2_BUCKET_NAME"`
	R2AccountID     string `env:"R2_ACCOUNT_ID"`
	R2AccessKey     string `env:"R2_ACCESS_KEY"`
	R2SecretKey     string `env:"R2_SECRET_KEY"`
	R2PublicDomain  string `env:"R2_PUBLIC_DOMAIN"`
	CFImagesAccount string `env:"CF_IMAGES_ACCOUNT_ID"`
	CFImagesToken   string `env:"CF_IMAGES_API_TOKEN"`
	CFImagesDomain  string `env:"CF_IMAGES_DELIVERY_DOMAIN"`

	FaceSwapAPIURL     string        `env:"FACE_SWAP_API_URL" envDefault:"http://127.0.0.1:7860"`
	FaceSwapTimeout    time.Duration `env:"FACE_SWAP_TIMEOUT" envDefault:"300s"`
	FaceSwapRetryCount int           `env:"FACE_SWAP_RETRY_COUNT" envDefault:"3"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// APIBaseURL returns the local producer facade base used as the default
// callback target when a task carries neither callback URL nor source base.
func (c Config) APIBaseURL() string {
	host := c.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// AllowedWorkflowList splits AllowedWorkflows into trimmed patterns.
func (c Config) AllowedWorkflowList() []string {
	parts := strings.Split(c.AllowedWorkflows, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
