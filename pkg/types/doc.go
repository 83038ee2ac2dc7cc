/*
Package types defines the core data structures shared by the perpetual task
control plane and its worker agents.

# Core Types

Task records:
  - PerpetualTask: a recurring polling job owned by one account
  - TaskState: UNASSIGNED, ASSIGNED or PAUSED
  - UnassignedReason: why a task last left the ASSIGNED state
  - Schedule: run interval (seconds) and per-run deadline (milliseconds)
  - ClientContext: either a flat parameter map or an opaque ExecutionBundle

Worker side:
  - ExecutionContext: the parameters and schedule a worker pulls for a task
  - TaskResponse: the outcome of one run, reported in heartbeats
  - AssignedTask: one entry of a worker's assignment view

Fleet:
  - Worker: a registered agent with its liveness status

# Assignment State Machine

	            AppointWorker
	UNASSIGNED ──────────────▶ ASSIGNED
	    ▲  ▲                      │
	    │  └──────────────────────┘  ResetTask / OnWorkerDisconnected
	    │
	    │ ResumeTask      PauseTask (from ASSIGNED or UNASSIGNED)
	    └──────── PAUSED ◀──────────

There is no direct PAUSED to ASSIGNED transition. The transitions are
methods on PerpetualTask (Appoint, Unassign, Pause) so the invariant
"AssignedWorkerID is set iff State is ASSIGNED" holds for every caller.

# Deduplication

ClientContext.Key hashes the context independently of map iteration order.
DedupKey combines account, task type and that hash; the store indexes it
so that creating the same task twice returns the original record.

# Execution Bundles

A bundle is a small JSON envelope around opaque parameter bytes:

	{"params": "<base64>", "capabilities": ["..."]}

DecodeExecutionBundle is strict: unknown fields, trailing data or missing
params yield ErrMalformedBundle.
*/
package types
