/*
Package scheduler assigns UNASSIGNED perpetual tasks to workers.

The scheduler runs on the manager and only acts while it holds Raft
leadership. A pass lists every task and worker, then for each UNASSIGNED
task (oldest first) picks the ready worker of the same account with the
fewest ASSIGNED tasks and calls Manager.AppointWorker.

	         ┌────────────── trigger ──────────────┐
	         │ ticker (Interval, default 5s)       │
	         │ task.created / task.reset           │
	         │ task.rebalance_required             │
	         │ worker.registered                   │
	         └─────────────────┬───────────────────┘
	                           ▼
	  ListTasks + ListWorkers ──▶ per UNASSIGNED task:
	                                 ready worker in account?
	                                   yes ─▶ AppointWorker (CAS)
	                                   no  ─▶ reason NO_WORKER_AVAILABLE

AppointWorker is a compare-and-set, so a task that moved between listing
and appointing is simply skipped; the next pass sees the new state. PAUSED
tasks are never considered. Workers marked down by the reconciler are not
candidates until they heartbeat again.

Event kicks are merged: a burst of task.created events during a pass
results in at most one follow-up pass.
*/
package scheduler
