package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// TasksFetched counts tasks pulled from a source, labelled by source
	// channel (redis_queue, or the HTTP source's base URL) and priority lane.
	TasksFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tasks_fetched_total",
			Help: "Tasks fetched from task sources",
		},
		[]string{"source", "priority"},
	)
	// TasksProcessed counts terminal task outcomes by workflow and status.
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tasks_processed_total",
			Help: "Tasks reaching a terminal state",
		},
		[]string{"workflow", "status"},
	)
	// TasksReleased counts tasks released back due to engine unavailability.
	TasksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_tasks_released_total",
			Help: "Tasks released without status change (engine unavailable)",
		},
	)
	// EngineWaitSeconds observes how long workflow executions spend between
	// submit and the terminal marker.
	EngineWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_engine_wait_seconds",
			Help:    "Engine execution wait time per task",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	// UploadSeconds observes artifact upload durations.
	UploadSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_upload_seconds",
			Help:    "Artifact upload time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	// CallbackFailures counts status callbacks that exhausted retries.
	CallbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_callback_failures_total",
			Help: "Status callbacks that failed after retries",
		},
	)
)

// InitMetrics registers all agent metrics with the default registry. Safe to
// call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			TasksFetched,
			TasksProcessed,
			TasksReleased,
			EngineWaitSeconds,
			UploadSeconds,
			CallbackFailures,
		)
	})
}
