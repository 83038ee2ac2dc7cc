/*
Package worker runs perpetual tasks assigned by the control plane.

A Worker registers with the manager, heartbeats its own liveness and keeps
its set of running tasks equal to what ListAssignedTasks returns. Each
running task is a Lifecycle scheduled on a shared cron instance.

# Architecture

	┌──────────────────────────── WORKER ─────────────────────────────┐
	│                                                                   │
	│  heartbeatLoop ── WorkerHeartbeat ──────────────▶ manager         │
	│  watchLoop ◀───── WatchAssignments (push) ─────── manager         │
	│      │                                                            │
	│      ▼ TriggerSync                                                │
	│  syncLoop ─── ListAssignedTasks ─── diff ──┬── new: GetExecution- │
	│   (ticker)                                 │       Context, start │
	│                                            ├── version changed:   │
	│                                            │       stop, start    │
	│                                            └── gone: stop         │
	│                                                                   │
	│  cron ──every interval──▶ Lifecycle.RunCycle                      │
	│                             │ executor.RunOnce under timeout      │
	│                             │ 408 on deadline, 500 on error       │
	│                             ▼                                     │
	│                          ResponseCache ── changed? ──▶ TriggerCallback
	└───────────────────────────────────────────────────────────────────┘

# Bounded execution

RunCycle runs the executor on its own goroutine with a context that
expires after the task's timeout. If the deadline passes first the cycle
reports {408, "failed"} and returns, even when the executor ignores its
context. An executor error or panic reports {500, "failed"}. Cycles of one
task never overlap (cron.SkipIfStillRunning); cycles of different tasks
share nothing but the read-only registry.

# Heartbeat dedup

A response identical to the last one reported for the task is not sent.
Cache entries expire after CacheTTL (default 30 minutes), after which the
next cycle reports even an unchanged response. A heartbeat that fails to
send is logged and not cached, so the next cycle tries again.

# Stopping

Lifecycle.Stop cancels an in-flight run, waits for its cycle to return and
calls the executor's Cleanup. Worker.Stop stops every task and deregisters
the worker, which lets the control plane rebalance its tasks at once
rather than after the heartbeat timeout.
*/
package worker
