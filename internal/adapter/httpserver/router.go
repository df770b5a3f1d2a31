package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router assembles the facade routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthHandler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/comm/task", func(r chi.Router) {
			r.Get("/fetch", s.FetchTaskHandler())
			r.Post("/update", s.UpdateTaskHandler())
		})
		r.Get("/tasks", s.ListTasksHandler())
		r.Post("/tasks/create", s.CreateTaskHandler())
		r.Post("/faceswap/create", s.CreateFaceSwapHandler())
		r.Get("/stats", s.StatsHandler())
		r.Get("/supported-workflows", s.SupportedWorkflowsHandler())
		r.Get("/comfyui-queue-status", s.QueueStatusHandler())
		r.Get("/comfyui-system-stats", s.SystemStatsHandler())
	})
	return r
}

// Start runs the facade HTTP server until the context is cancelled, then
// shuts down gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.Cfg.Host, s.Cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.Cfg.HTTPReadTimeout,
		WriteTimeout: s.Cfg.HTTPWriteTimeout,
		IdleTimeout:  s.Cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("facade API listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Cfg.ServerShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
