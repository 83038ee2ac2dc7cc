/*
Package broadcast coalesces "your assignment set changed" notifications.

The manager records an (account, worker) pair every time a task is
appointed to, or taken away from, a worker. A mass rebalance can move
hundreds of tasks in a burst; the Coalescer keeps the pairs in a set and
on every tick swaps it for an empty one, sending one notification per
worker regardless of how many of its tasks moved.

	AppointWorker ─┐
	ResetTask ─────┼─▶ Add(acc, w) ──▶ pending set
	Disconnect ────┘                        │ every Interval
	                                        ▼
	                              swap ──▶ Flush ──▶ Notifier (api.PushHub)

A pair added during a flush lands in the fresh set and goes out on the next
tick. Flush runs at most Concurrency notifications at a time, paced by a
token bucket. Failures are logged and aggregated, not retried: workers
poll ListAssignedTasks on their own cadence as well.
*/
package broadcast
