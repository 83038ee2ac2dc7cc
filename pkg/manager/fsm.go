package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/perpetual/pkg/storage"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/hashicorp/raft"
)

// Raft log operations
const (
	opCreateTask         = "create_task"
	opDeleteTask         = "delete_task"
	opDeleteAccountTasks = "delete_account_tasks"
	opAppointWorker      = "appoint_worker"
	opResetTask          = "reset_task"
	opPauseTask          = "pause_task"
	opHeartbeat          = "heartbeat"
	opUnassignWorker     = "unassign_worker"
	opSetReason          = "set_unassigned_reason"
	opUpsertWorker       = "upsert_worker"
	opDeleteWorker       = "delete_worker"
	opWorkerHeartbeat    = "worker_heartbeat"
	opMarkWorkerDown     = "mark_worker_down"
)

// TaskFSM implements the Raft Finite State Machine for perpetual task state.
// Every mutation of the task record store goes through Apply, so writes are
// totally ordered and replayable. Payloads carry every timestamp the
// mutation needs; Apply never reads the clock.
type TaskFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewTaskFSM creates a new FSM instance
func NewTaskFSM(store storage.Store) *TaskFSM {
	return &TaskFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type createTaskPayload struct {
	Task           *types.PerpetualTask `json:"task"`
	AllowDuplicate bool                 `json:"allowDuplicate"`
}

type taskRefPayload struct {
	AccountID string `json:"accountId"`
	TaskID    string `json:"taskId"`
}

type resetTaskPayload struct {
	AccountID      string `json:"accountId"`
	TaskID         string `json:"taskId"`
	Bundle         []byte `json:"bundle,omitempty"`
	ContextVersion int64  `json:"contextVersion"`
}

type appointPayload struct {
	AccountID      string `json:"accountId"`
	TaskID         string `json:"taskId"`
	WorkerID       string `json:"workerId"`
	ContextVersion int64  `json:"contextVersion"`
}

type heartbeatPayload struct {
	AccountID   string    `json:"accountId,omitempty"`
	TaskID      string    `json:"taskId"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

type unassignWorkerPayload struct {
	AccountID string                 `json:"accountId"`
	WorkerID  string                 `json:"workerId"`
	Reason    types.UnassignedReason `json:"reason"`
}

type reasonPayload struct {
	TaskID string                 `json:"taskId"`
	Reason types.UnassignedReason `json:"reason"`
}

type workerHeartbeatPayload struct {
	AccountID   string    `json:"accountId"`
	WorkerID    string    `json:"workerId"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

type markDownPayload struct {
	WorkerID    string    `json:"workerId"`
	StaleBefore time.Time `json:"staleBefore"`
}

// createResult is returned by Apply for create_task
type createResult struct {
	ID      string
	Created bool
}

// taskResult is returned by Apply for single-task mutations. Found is false
// when the task does not exist or belongs to another account.
type taskResult struct {
	Found        bool
	Changed      bool
	PrevWorkerID string
	Task         *types.PerpetualTask
}

// workerResult is returned by Apply for conditional worker updates. Found
// is false when the worker does not exist or belongs to another account.
type workerResult struct {
	Found   bool
	Changed bool
	WasDown bool
	Worker  *types.Worker
}

// bulkResult is returned by Apply for multi-task mutations
type bulkResult struct {
	TaskIDs []string
	Tasks   []*types.PerpetualTask
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *TaskFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateTask:
		var p createTaskPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		if p.Task == nil {
			return fmt.Errorf("create_task: missing task")
		}
		id, created, err := f.store.CreateTask(p.Task, p.AllowDuplicate)
		if err != nil {
			return err
		}
		return &createResult{ID: id, Created: created}

	case opDeleteTask:
		var p taskRefPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.deleteTask(p)

	case opDeleteAccountTasks:
		var accountID string
		if err := json.Unmarshal(cmd.Data, &accountID); err != nil {
			return err
		}
		tasks, err := f.store.DeleteTasksByAccount(accountID)
		if err != nil {
			return err
		}
		res := &bulkResult{Tasks: tasks}
		for _, t := range tasks {
			res.TaskIDs = append(res.TaskIDs, t.ID)
		}
		return res

	case opAppointWorker:
		var p appointPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateTask(p.AccountID, p.TaskID, func(t *types.PerpetualTask, res *taskResult) bool {
			wasUnassigned := t.State == types.TaskStateUnassigned
			if !t.Appoint(p.WorkerID, p.ContextVersion) {
				return false
			}
			// Appointing the current owner again is a success without a write
			res.Changed = wasUnassigned
			return wasUnassigned
		})

	case opResetTask:
		var p resetTaskPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateTask(p.AccountID, p.TaskID, func(t *types.PerpetualTask, res *taskResult) bool {
			t.Unassign(types.ReasonReset)
			if p.Bundle != nil {
				t.ClientContext = types.BundleContext(p.Bundle)
				next := t.LastContextUpdated + 1
				if p.ContextVersion > next {
					next = p.ContextVersion
				}
				t.BumpContextVersion(next)
			}
			res.Changed = true
			return true
		})

	case opPauseTask:
		var p taskRefPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateTask(p.AccountID, p.TaskID, func(t *types.PerpetualTask, res *taskResult) bool {
			if t.State == types.TaskStatePaused {
				return false
			}
			t.Pause()
			res.Changed = true
			return true
		})

	case opHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateTask(p.AccountID, p.TaskID, func(t *types.PerpetualTask, res *taskResult) bool {
			if !p.HeartbeatAt.After(t.LastHeartbeatAt) {
				return false
			}
			t.LastHeartbeatAt = p.HeartbeatAt
			res.Changed = true
			return true
		})

	case opUnassignWorker:
		var p unassignWorkerPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		ids, err := f.store.UnassignWorkerTasks(p.AccountID, p.WorkerID, p.Reason)
		if err != nil {
			return err
		}
		return &bulkResult{TaskIDs: ids}

	case opSetReason:
		var p reasonPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateTask("", p.TaskID, func(t *types.PerpetualTask, res *taskResult) bool {
			// Only an unassigned task has a reason for being unassigned
			if t.State != types.TaskStateUnassigned || t.UnassignedReason == p.Reason {
				return false
			}
			t.UnassignedReason = p.Reason
			res.Changed = true
			return true
		})

	case opUpsertWorker:
		var worker types.Worker
		if err := json.Unmarshal(cmd.Data, &worker); err != nil {
			return err
		}
		return f.store.UpsertWorker(&worker)

	case opWorkerHeartbeat:
		var p workerHeartbeatPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateWorker(p.AccountID, p.WorkerID, func(w *types.Worker, res *workerResult) bool {
			res.WasDown = w.Status != types.WorkerStatusReady
			if !res.WasDown && !p.HeartbeatAt.After(w.LastHeartbeat) {
				return false
			}
			w.Status = types.WorkerStatusReady
			if p.HeartbeatAt.After(w.LastHeartbeat) {
				w.LastHeartbeat = p.HeartbeatAt
			}
			res.Changed = true
			return true
		})

	case opMarkWorkerDown:
		var p markDownPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.updateWorker("", p.WorkerID, func(w *types.Worker, res *workerResult) bool {
			// A heartbeat that landed after the caller's check keeps the worker up
			if w.Status == types.WorkerStatusDown || !w.LastHeartbeat.Before(p.StaleBefore) {
				return false
			}
			w.Status = types.WorkerStatusDown
			res.Changed = true
			return true
		})

	case opDeleteWorker:
		var workerID string
		if err := json.Unmarshal(cmd.Data, &workerID); err != nil {
			return err
		}
		_, err := f.store.DeleteWorker(workerID)
		return err

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// updateTask runs fn as a conditional update on one task. An empty
// accountID skips the ownership check.
func (f *TaskFSM) updateTask(accountID, taskID string, fn func(*types.PerpetualTask, *taskResult) bool) interface{} {
	res := &taskResult{}
	_, err := f.store.UpdateTask(taskID, func(t *types.PerpetualTask) (bool, error) {
		if accountID != "" && t.AccountID != accountID {
			return false, nil
		}
		res.Found = true
		res.PrevWorkerID = t.AssignedWorkerID
		changed := fn(t, res)
		res.Task = t
		return changed, nil
	})
	if errors.Is(err, types.ErrTaskNotFound) {
		return &taskResult{}
	}
	if err != nil {
		return err
	}
	return res
}

// updateWorker is updateTask for worker records
func (f *TaskFSM) updateWorker(accountID, workerID string, fn func(*types.Worker, *workerResult) bool) interface{} {
	res := &workerResult{}
	_, err := f.store.UpdateWorker(workerID, func(w *types.Worker) (bool, error) {
		if accountID != "" && w.AccountID != accountID {
			return false, nil
		}
		res.Found = true
		changed := fn(w, res)
		res.Worker = w
		return changed, nil
	})
	if errors.Is(err, storage.ErrWorkerNotFound) {
		return &workerResult{}
	}
	if err != nil {
		return err
	}
	return res
}

func (f *TaskFSM) deleteTask(p taskRefPayload) interface{} {
	task, err := f.store.GetTask(p.TaskID)
	if errors.Is(err, types.ErrTaskNotFound) {
		return &taskResult{}
	}
	if err != nil {
		return err
	}
	if task.AccountID != p.AccountID {
		return &taskResult{}
	}

	deleted, err := f.store.DeleteTask(p.TaskID)
	if err != nil {
		return err
	}
	return &taskResult{
		Found:        deleted,
		Changed:      deleted,
		PrevWorkerID: task.AssignedWorkerID,
		Task:         task,
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *TaskFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %v", err)
	}

	workers, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %v", err)
	}

	return &TaskSnapshot{Tasks: tasks, Workers: workers}, nil
}

// Restore restores the FSM from a snapshot
// This is called when a node restarts or joins the cluster
func (f *TaskFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot TaskSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, task := range snapshot.Tasks {
		if err := f.store.PutTask(task); err != nil {
			return fmt.Errorf("failed to restore task: %v", err)
		}
	}

	for _, worker := range snapshot.Workers {
		if err := f.store.UpsertWorker(worker); err != nil {
			return fmt.Errorf("failed to restore worker: %v", err)
		}
	}

	return nil
}

// TaskSnapshot represents a point-in-time snapshot of task state
type TaskSnapshot struct {
	Tasks   []*types.PerpetualTask
	Workers []*types.Worker
}

// Persist writes the snapshot to the given SnapshotSink
func (s *TaskSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		// Encode snapshot as JSON
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release is called when we are finished with the snapshot
func (s *TaskSnapshot) Release() {}
