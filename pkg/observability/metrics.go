package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapta_bus_messages_total",
			Help: "Total number of bus deliveries by target and status",
		},
		[]string{"target", "status"},
	)

	busRegisteredAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapta_bus_registered_agents",
			Help: "Number of agents currently registered with the bus",
		},
	)

	// Scheduler metrics
	schedulerTaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapta_scheduler_task_runs_total",
			Help: "Total number of scheduler task runs by outcome",
		},
		[]string{"task", "outcome"},
	)

	schedulerTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synapta_scheduler_task_duration_seconds",
			Help:    "Scheduler task run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	schedulerRunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapta_scheduler_running_tasks",
			Help: "Number of task callbacks currently running",
		},
	)

	// Lifecycle metrics
	agentRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapta_agent_restarts_total",
			Help: "Total number of agent restart attempts",
		},
		[]string{"agent"},
	)

	agentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapta_agent_failures_total",
			Help: "Total number of agent failures by kind",
		},
		[]string{"agent", "kind"},
	)

	// Shared context metrics
	contextEntriesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synapta_context_entries_swept_total",
			Help: "Total number of expired context entries removed by the sweeper",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the substrate metrics with the default Prometheus
// registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busMessagesTotal,
			busRegisteredAgents,
			schedulerTaskRunsTotal,
			schedulerTaskDuration,
			schedulerRunningTasks,
			agentRestartsTotal,
			agentFailuresTotal,
			contextEntriesSweptTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordBusMessage records a delivery attempt outcome.
func RecordBusMessage(target, status string) {
	busMessagesTotal.WithLabelValues(target, status).Inc()
}

// SetRegisteredAgents sets the registered agents gauge.
func SetRegisteredAgents(count int) {
	busRegisteredAgents.Set(float64(count))
}

// RecordTaskRun records a scheduler task run outcome and duration.
func RecordTaskRun(task, outcome string, duration time.Duration) {
	schedulerTaskRunsTotal.WithLabelValues(task, outcome).Inc()
	schedulerTaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// SetRunningTasks sets the running task callbacks gauge.
func SetRunningTasks(count int) {
	schedulerRunningTasks.Set(float64(count))
}

// RecordAgentRestart records a restart attempt for an agent.
func RecordAgentRestart(agentID string) {
	agentRestartsTotal.WithLabelValues(agentID).Inc()
}

// RecordAgentFailure records an agent failure by kind.
func RecordAgentFailure(agentID, kind string) {
	agentFailuresTotal.WithLabelValues(agentID, kind).Inc()
}

// RecordContextSweep records the number of entries removed by an expiry
// sweep.
func RecordContextSweep(removed int) {
	contextEntriesSweptTotal.Add(float64(removed))
}
