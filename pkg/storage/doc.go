/*
Package storage provides BoltDB-backed persistence for perpetual task
records and worker registrations.

The Store interface is the task record store consumed by the manager's
state machine. BoltStore implements it on top of bbolt, serializing every
record as JSON into a small set of buckets:

	┌──────────────────── BOLTDB STORAGE ────────────────────┐
	│                                                          │
	│  <dataDir>/perpetual.db                                  │
	│                                                          │
	│  tasks       task ID            -> PerpetualTask JSON    │
	│  task_dedup  account/type/ctx\0id -> task ID             │
	│  workers     worker ID          -> Worker JSON           │
	│                                                          │
	│  Read:  db.View()   concurrent                           │
	│  Write: db.Update() serialized, fsync on commit          │
	└──────────────────────────────────────────────────────────┘

# Deduplication

task_dedup holds one entry per task, keyed by its (account, task type,
client context) triple followed by the task id. Lookups seek to the triple
prefix and return the oldest live record, so a duplicate created with
allowDuplicate=true takes over once the original is deleted or reset onto
another context. CreateTask consults the index in the same transaction that
writes the task, so two creates with allowDuplicate=false can never both
insert.

# Conditional updates

UpdateTask loads a record, hands it to a MutateFunc and writes it back
inside one write transaction. bbolt allows a single writer at a time, so a
mutate that inspects State and AssignedWorkerID before changing them is a
compare-and-set: of two concurrent appointments of the same UNASSIGNED
task exactly one observes UNASSIGNED. Every write is checked against the
assignment invariant (worker set iff ASSIGNED) and rejected if it breaks
it.

UnassignWorkerTasks performs the bulk rebalance for a disconnected worker
in a single transaction, so it is atomic with respect to individual task
updates on other tasks.

# Usage

	store, err := storage.NewBoltStore("/var/lib/perpetual")
	if err != nil {
		return err
	}
	defer store.Close()

	id, created, err := store.CreateTask(task, false)

	changed, err := store.UpdateTask(id, func(t *types.PerpetualTask) (bool, error) {
		return t.Appoint("worker-1", time.Now().UnixMilli()), nil
	})
*/
package storage
