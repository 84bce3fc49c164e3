package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsEnqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_enqueued_total", Help: "Queue items accepted"})
	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_duplicates_suppressed_total", Help: "Enqueues collapsed onto an existing active item"})
	ItemsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_completed_total", Help: "Items completed successfully"})
	ItemsRetried         = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_retried_total", Help: "Failed attempts rescheduled for retry"})
	ItemsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_failed_total", Help: "Items that exhausted their attempt budget"})
	ItemsCancelled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_cancelled_total", Help: "Items cancelled by request or expiry"})
	ItemsPurged          = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_items_purged_total", Help: "Terminal items purged past the retention horizon"})
	QueueDueSoon         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_items_due_soon", Help: "Pending items due within the reminder window"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the tenant rate limiter"})

	Assignments = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "assignments_total", Help: "Assignment resolutions by reason"}, []string{"reason"})

	JobRuns      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_job_runs_total", Help: "Completed job executions"}, []string{"job"})
	JobErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_job_errors_total", Help: "Job executions that returned an error or panicked"}, []string{"job"})
	JobLockSkips = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_job_lock_skips_total", Help: "Ticks skipped because another instance held the job lock"}, []string{"job"})
	JobLastRun   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "scheduler_job_last_run_timestamp", Help: "Unix time of the last completed run"}, []string{"job"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsEnqueued,
			DuplicatesSuppressed,
			ItemsCompleted,
			ItemsRetried,
			ItemsFailed,
			ItemsCancelled,
			ItemsPurged,
			QueueDueSoon,
			RateLimitRejects,
			Assignments,
			JobRuns,
			JobErrors,
			JobLockSkips,
			JobLastRun,
		)
	})
	return promhttp.Handler()
}
