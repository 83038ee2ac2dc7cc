/*
Package manager implements the perpetual task control plane.

The Manager owns the lifecycle of every perpetual task: creation, deletion,
pause, reset, assignment to workers and rebalancing when a worker goes away.
Every state change is a Command replicated through a single-node Raft log and
applied by TaskFSM to the BoltDB task record store, so the store has exactly
one writer and all mutations are serialized.

# Architecture

	┌──────────────────────── MANAGER ─────────────────────────┐
	│                                                           │
	│   pkg/api (gRPC)     scheduler      reconciler            │
	│        │                 │               │                │
	│        └────────┬────────┴───────┬───────┘                │
	│                 ▼                ▼                        │
	│        ┌──────────────┐   ┌──────────────┐               │
	│        │   Manager    │──▶│ events.Broker│ crud / state  │
	│        │ validate,    │   └──────────────┘               │
	│        │ retry, emit  │──▶ PendingRecorder (coalescer)    │
	│        └──────┬───────┘                                   │
	│               │ Command{Op, Data}                         │
	│        ┌──────▼───────┐                                   │
	│        │  Raft log    │ in-memory or raft-boltdb          │
	│        └──────┬───────┘                                   │
	│        ┌──────▼───────┐                                   │
	│        │   TaskFSM    │ conditional updates               │
	│        └──────┬───────┘                                   │
	│        ┌──────▼───────┐                                   │
	│        │  BoltStore   │ tasks, task_dedup, workers        │
	│        └──────────────┘                                   │
	└───────────────────────────────────────────────────────────┘

# Task States

	          create                 appoint
	  ───────────────▶ UNASSIGNED ─────────────▶ ASSIGNED
	                    ▲   ▲  ▲                  │   │
	      reset/resume  │   │  └── disconnect ────┘   │
	                    │   │                         │ pause
	                    │   └──────── reset ──────────┤
	                  PAUSED ◀────────────────────────┘

AssignedWorkerID is set exactly when the state is ASSIGNED. The store
rejects any update that would break this.

# Compare-and-set

AppointWorker only moves an UNASSIGNED task. Two assigners racing for the
same task are serialized by Raft and by BoltDB's single write transaction;
the loser sees the task already ASSIGNED and gets false. Appointing the
current owner again returns true without emitting anything.

# Retries

Create, delete, reset and account-wide delete retry transient failures up
to three times without delay. Validation errors, unknown task types,
malformed bundles and ErrNotLeader are returned on the first attempt.
CreateTask fixes the task id before the first attempt, so a retried apply
that had in fact committed is recognised by the dedup index.

# Events

Two brokers are exposed. CRUDEvents carries task.created, task.deleted,
task.reset, task.rebalance_required and worker registration changes; the
scheduler listens here. StateEvents carries task.assigned, task.unassigned
and task.paused. Whenever the set of tasks assigned to a worker changes,
the (account, worker) pair is handed to the PendingRecorder so the worker
is told to resync.

# Usage

	reg := registry.New()
	_ = executors.RegisterDefaults(reg)

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "manager-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  "/var/lib/perpetual",
		Registry: reg,
	})
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}

	id, err := mgr.CreateTask(ctx, "http-probe", "acc1",
		types.ParamsContext(map[string]string{"url": "https://example.com"}),
		types.Schedule{IntervalSeconds: 60, TimeoutMillis: 5000}, false, "")

Worker-facing calls (RegisterWorker, WorkerHeartbeat, ListAssignedTasks)
read the caller's account from the context; pkg/api sets it with
WithAccount after validating the worker's token.
*/
package manager
