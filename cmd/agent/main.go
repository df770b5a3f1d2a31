// Package main provides the agent entry point. The binary runs in three
// modes: "api" starts the producer facade only, "consumer" starts the
// dispatcher only, and "run" (the default) starts both.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/be-as-one/gpu-task-agent/internal/adapter/httpserver"
	"github.com/be-as-one/gpu-task-agent/internal/config"
	"github.com/be-as-one/gpu-task-agent/internal/consumer"
	"github.com/be-as-one/gpu-task-agent/internal/consumer/processor"
	"github.com/be-as-one/gpu-task-agent/internal/engine"
	"github.com/be-as-one/gpu-task-agent/internal/faceswap"
	"github.com/be-as-one/gpu-task-agent/internal/media"
	"github.com/be-as-one/gpu-task-agent/internal/observability"
	"github.com/be-as-one/gpu-task-agent/internal/storage"
	"github.com/be-as-one/gpu-task-agent/internal/taskmanager"
	"github.com/be-as-one/gpu-task-agent/internal/workflow"
)

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	command := "run"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch command {
	case "api":
		runErr = runAPI(ctx, cfg)
	case "consumer":
		runErr = runConsumer(ctx, cfg)
	case "run":
		runErr = runBoth(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [api|consumer|run]\n", os.Args[0])
		os.Exit(2)
	}
	if runErr != nil {
		slog.Error("startup failed", slog.String("command", command), slog.Any("error", runErr))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// buildFacade wires the producer facade server.
func buildFacade(cfg config.Config, filter *workflow.Filter, redis *consumer.RedisSource) *httpserver.Server {
	return httpserver.NewServer(cfg, taskmanager.New(), engine.NewService(cfg.ComfyUIURL), filter, redis)
}

// buildDispatcher wires the consumer pipeline. Selecting the source is the
// one place the two modes diverge; a Redis service that does not answer a
// ping at startup falls back to HTTP polling.
func buildDispatcher(ctx context.Context, cfg config.Config, filter *workflow.Filter) (*consumer.Dispatcher, *consumer.RedisSource, error) {
	uploader, err := storage.NewManagerFromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	reporter := consumer.NewStatusReporter(cfg.TaskCallbackURL, cfg.APIBaseURL(), cfg.TaskCallbackTimeout)
	environments := engine.LoadEnvironments(cfg.EnvironmentsDir)
	cache := engine.NewCache(environments, cfg.ComfyUIURL)
	fetcher := media.NewFetcher(cfg.ComfyUIInputDir, media.WithConcurrency(cfg.DownloadConcurrency))

	workflowProc := processor.NewWorkflowProcessor(processor.WorkflowProcessorOptions{
		Cache:             cache,
		Fetcher:           fetcher,
		Uploader:          uploader,
		Reporter:          reporter,
		TaskTimeout:       cfg.TaskTimeout,
		UploadConcurrency: cfg.UploadConcurrency,
		LoraEnabled:       cfg.LoraCacheEnabled,
	})
	faceSwapProc := processor.NewFaceSwapProcessor(
		faceswap.NewClient(cfg.FaceSwapAPIURL, cfg.FaceSwapTimeout, cfg.FaceSwapRetryCount),
		uploader, reporter)
	registry := processor.NewRegistry(workflowProc, faceSwapProc)

	var (
		source      consumer.Source
		redisSource *consumer.RedisSource
	)
	if cfg.ConsumerMode == config.ModeRedisQueue {
		redisSource, err = consumer.NewRedisSource(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		if redisSource.Ping(ctx) {
			source = redisSource
		} else {
			slog.Warn("redis queue unavailable, falling back to http polling")
			redisSource = nil
		}
	}
	if source == nil {
		source = consumer.NewHTTPSource(cfg.TaskAPIURLs, filter)
	}

	return consumer.NewDispatcher(source, filter, registry, reporter, cfg.EnableTestTasks), redisSource, nil
}

// serveMetrics exposes Prometheus metrics on the dedicated port.
func serveMetrics(cfg config.Config) {
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()
}

func runAPI(ctx context.Context, cfg config.Config) error {
	filter := workflow.NewFilter(cfg.AllowedWorkflowList(), cfg.LogFilteredTasks)
	facade := buildFacade(cfg, filter, nil)
	slog.Info("starting facade API", slog.String("env", cfg.AppEnv))
	if err := facade.Start(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// waitForEngine blocks until the engine answers its stats endpoint or the
// retry budget is spent. The per-task liveness gate re-checks, so a slow
// engine only delays the first poll.
func waitForEngine(ctx context.Context, cfg config.Config) {
	svc := engine.NewService(cfg.ComfyUIURL)
	if !svc.WaitReady(ctx, cfg.ComfyUIReadyInterval, cfg.ComfyUIReadyRetries) {
		slog.Warn("engine did not become ready, consuming anyway",
			slog.String("engine", cfg.ComfyUIURL))
	}
}

func runConsumer(ctx context.Context, cfg config.Config) error {
	serveMetrics(cfg)
	filter := workflow.NewFilter(cfg.AllowedWorkflowList(), cfg.LogFilteredTasks)
	dispatcher, _, err := buildDispatcher(ctx, cfg, filter)
	if err != nil {
		return err
	}
	waitForEngine(ctx, cfg)
	slog.Info("starting consumer", slog.String("mode", cfg.ConsumerMode))
	_ = dispatcher.Run(ctx)
	return nil
}

func runBoth(ctx context.Context, cfg config.Config) error {
	serveMetrics(cfg)
	filter := workflow.NewFilter(cfg.AllowedWorkflowList(), cfg.LogFilteredTasks)
	dispatcher, redisSource, err := buildDispatcher(ctx, cfg, filter)
	if err != nil {
		return err
	}
	facade := buildFacade(cfg, filter, redisSource)

	go func() {
		if err := facade.Start(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("facade API error", slog.Any("error", err))
		}
	}()

	waitForEngine(ctx, cfg)
	slog.Info("starting full service", slog.String("mode", cfg.ConsumerMode))
	_ = dispatcher.Run(ctx)
	return nil
}
