package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control plane state
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpetual_tasks_total",
			Help: "Total number of perpetual tasks by state",
		},
		[]string{"state"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpetual_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpetual_raft_is_leader",
			Help: "Whether this manager is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpetual_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Task lifecycle
	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TasksDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_tasks_deduplicated_total",
			Help: "Create requests answered with an existing task",
		},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_tasks_assigned_total",
			Help: "Total number of task appointments",
		},
	)

	TasksUnassigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetual_tasks_unassigned_total",
			Help: "Total number of tasks moved back to UNASSIGNED by reason",
		},
		[]string{"reason"},
	)

	WorkerDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_worker_disconnects_total",
			Help: "Total number of worker disconnects handled",
		},
	)

	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetual_store_retries_total",
			Help: "Retried store operations by operation",
		},
		[]string{"op"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetual_events_dropped_total",
			Help: "Events not delivered to a full subscriber by stream",
		},
		[]string{"stream"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perpetual_scheduling_latency_seconds",
			Help:    "Time taken by one assignment pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perpetual_reconciliation_duration_seconds",
			Help:    "Time taken by one reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// Broadcast metrics
	BroadcastPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpetual_broadcast_pending",
			Help: "Account/worker pairs waiting for an assignment push",
		},
	)

	BroadcastPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetual_broadcast_pushes_total",
			Help: "Assignment pushes sent by result",
		},
		[]string{"result"},
	)

	BroadcastFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perpetual_broadcast_flush_duration_seconds",
			Help:    "Time taken to flush the pending broadcast set",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetual_task_runs_total",
			Help: "Task runs on this worker by outcome",
		},
		[]string{"task_type", "outcome"},
	)

	TaskRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpetual_task_run_duration_seconds",
			Help:    "Duration of one task run in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpetual_worker_running_tasks",
			Help: "Tasks currently scheduled on this worker",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_task_heartbeats_sent_total",
			Help: "Task heartbeats sent to the control plane",
		},
	)

	HeartbeatsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_task_heartbeats_skipped_total",
			Help: "Task heartbeats suppressed because the response was unchanged",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetual_task_heartbeat_failures_total",
			Help: "Task heartbeats that could not be delivered",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetual_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpetual_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksDeduplicated)
	prometheus.MustRegister(TasksAssigned)
	prometheus.MustRegister(TasksUnassigned)
	prometheus.MustRegister(WorkerDisconnects)
	prometheus.MustRegister(StoreRetries)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(BroadcastPending)
	prometheus.MustRegister(BroadcastPushes)
	prometheus.MustRegister(BroadcastFlushDuration)
	prometheus.MustRegister(TaskRuns)
	prometheus.MustRegister(TaskRunDuration)
	prometheus.MustRegister(RunningTasks)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(HeartbeatsSkipped)
	prometheus.MustRegister(HeartbeatFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
