/*
Package api implements the perpetual task gRPC service and the manager's
HTTP health endpoints.

The service is declared by hand (ServiceDesc) and carries plain Go structs
encoded as JSON through a registered gRPC codec, so clients select it with
grpc.CallContentSubtype(CodecName).

# Architecture

	┌──────────── operators / CLI ───────────┐   ┌──────── workers ────────┐
	│  CreateTask, PauseTask, GenerateToken…  │   │ RegisterWorker, Trigger │
	│  (optional admin token)                 │   │ Callback, Watch… (token)│
	└───────────────────┬─────────────────────┘   └────────────┬────────────┘
	                    │  perpetual.v1.TaskService (JSON)     │
	┌───────────────────▼──────────────────────────────────────▼───────────┐
	│  MetricsInterceptor ─▶ AuthInterceptor ─▶ Server ─▶ manager.Manager  │
	│                                              │                       │
	│                     broadcast.Coalescer ─▶ PushHub ─▶ watch streams  │
	└──────────────────────────────────────────────────────────────────────┘

# Authentication

Worker methods (RegisterWorker, WorkerHeartbeat, DeregisterWorker,
ListAssignedTasks, GetExecutionContext, TriggerCallback and
WatchAssignments) need "authorization: Bearer <token>" metadata. The token
is resolved to an account by the manager's TokenManager, and that account
scopes every lookup the call makes. Administrative methods are open unless
Config.AdminToken is set.

# Errors

Manager errors are mapped to status codes: missing tasks and workers to
NotFound, validation failures to InvalidArgument, token problems to
Unauthenticated and ErrNotLeader to Unavailable.

# Push

PushHub is the broadcast.Notifier of the manager. Each WatchAssignments
stream subscribes to its (account, worker) pair; a notification sends one
AssignmentChanged message and the worker re-polls ListAssignedTasks.

# Health

HealthServer serves /health (liveness), /ready (raft leader and task store
reachable), /health/components and /metrics.
*/
package api
