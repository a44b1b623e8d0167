package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingTasks tracks the number of queued tasks per priority.
	PendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scrapeforge",
		Name:      "pending_tasks",
		Help:      "Current number of pending tasks per priority",
	}, []string{"priority"})

	// ActiveTasks tracks tasks currently being executed by workers.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrapeforge",
		Name:      "active_tasks",
		Help:      "Current number of tasks in STARTED state",
	})

	// TasksTotal counts tasks that reached a terminal state.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrapeforge",
		Name:      "tasks_total",
		Help:      "Total number of finished tasks by terminal status",
	}, []string{"status"})

	// TaskDuration tracks wall-clock execution time of tasks.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scrapeforge",
		Name:      "task_duration_seconds",
		Help:      "Task execution time distribution",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// MiddlewareInvocations counts middleware hook invocations per stage.
	MiddlewareInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrapeforge",
		Name:      "middleware_invocations_total",
		Help:      "Total middleware hook invocations",
	}, []string{"name", "stage"}) // stage: on_request, on_response

	// SchedulerLeaseOwned reports whether this replica currently holds the scheduler lease.
	SchedulerLeaseOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrapeforge",
		Name:      "scheduler_lease_owned",
		Help:      "Whether this replica holds the scheduler lease (1 = owner)",
	})

	// SchedulerSkips counts trigger fires that were skipped instead of enqueued.
	SchedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrapeforge",
		Name:      "scheduler_skips_total",
		Help:      "Scheduled fires skipped by reason",
	}, []string{"reason"}) // active_run, backpressure

	// LogStreamClients tracks connected websocket log consumers.
	LogStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrapeforge",
		Name:      "log_stream_clients",
		Help:      "Current number of connected log stream websocket clients",
	})
)
