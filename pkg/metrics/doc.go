/*
Package metrics provides Prometheus metrics and component health for
perpetual managers and workers.

All collectors are package-level variables registered on the default
registry at init, so any package can increment them without wiring.
Handler exposes them for scraping.

	┌──────────────────── METRICS ─────────────────────────────┐
	│                                                            │
	│  Control plane                                             │
	│    perpetual_tasks_total{state}          gauge             │
	│    perpetual_workers_total{status}       gauge             │
	│    perpetual_tasks_assigned_total        counter           │
	│    perpetual_tasks_unassigned_total{reason}                │
	│    perpetual_worker_disconnects_total    counter           │
	│    perpetual_store_retries_total{op}     counter           │
	│    perpetual_broadcast_pending           gauge             │
	│    perpetual_broadcast_pushes_total{result}                │
	│                                                            │
	│  Worker                                                    │
	│    perpetual_task_runs_total{task_type,outcome}            │
	│    perpetual_task_run_duration_seconds{task_type}          │
	│    perpetual_task_heartbeats_sent_total                    │
	│    perpetual_task_heartbeats_skipped_total                 │
	│                                                            │
	│  API                                                       │
	│    perpetual_api_requests_total{method,status}             │
	│    perpetual_api_request_duration_seconds{method}          │
	└────────────────────────────────────────────────────────────┘

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

# Health

Components report their state with RegisterComponent/UpdateComponent.
GetHealth is unhealthy when any component is; GetReadiness only looks at
the critical set, which defaults to raft and api for a manager and is
replaced with SetCriticalComponents("manager") on workers. HealthHandler,
ReadyHandler and LivenessHandler serve these as JSON.
*/
package metrics
