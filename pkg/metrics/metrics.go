package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State metrics
	WorkflowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmon_workflows_total",
			Help: "Total number of workflows by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmon_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// Transition metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmon_transitions_total",
			Help: "Total number of status transitions by entity and target status",
		},
		[]string{"entity", "to"},
	)

	InvalidTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmon_invalid_transitions_total",
			Help: "Total number of refused status transitions",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmon_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobmon_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Swarm metrics
	SwarmCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobmon_swarm_cycle_duration_seconds",
			Help:    "Time taken by one run-controller cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmon_tasks_queued_total",
			Help: "Total number of tasks queued for distribution",
		},
	)

	BatchesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmon_batches_queued_total",
			Help: "Total number of submission batches queued",
		},
	)

	// Reaper metrics
	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmon_reaper_cycles_total",
			Help: "Total number of reaper cycles",
		},
	)

	ReapedWorkflowRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmon_reaped_workflow_runs_total",
			Help: "Total number of workflow runs reaped for missed heartbeats",
		},
	)

	ReapedTaskInstances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobmon_reaped_task_instances_total",
			Help: "Total number of task instances reaped for missed heartbeats",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(InvalidTransitionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SwarmCycleDuration)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(BatchesQueued)
	prometheus.MustRegister(ReaperCyclesTotal)
	prometheus.MustRegister(ReapedWorkflowRuns)
	prometheus.MustRegister(ReapedTaskInstances)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
