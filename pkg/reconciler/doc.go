/*
Package reconciler returns tasks from dead workers to the pool.

Workers heartbeat their own liveness through WorkerHeartbeat. Every
Interval (default 10s) the reconciler, while the manager leads, checks two
things:

  - a ready worker whose last heartbeat is older than HeartbeatTimeout
    (default 30s) is marked down with Manager.MarkWorkerDown, which
    unassigns all of its tasks with reason WORKER_DISCONNECTED. The mark
    is skipped if a heartbeat lands before it commits;
  - a task ASSIGNED to a worker that no longer exists, is down, or is
    registered under another account is released with
    OnWorkerDisconnected.

The released tasks are picked up by the scheduler on its next pass, which
the task.rebalance_required event triggers immediately. A down worker that
heartbeats again becomes ready and is eligible for new work.
*/
package reconciler
