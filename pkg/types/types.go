package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// TaskState is the assignment state of a perpetual task
type TaskState string

const (
	TaskStateUnassigned TaskState = "UNASSIGNED"
	TaskStateAssigned   TaskState = "ASSIGNED"
	TaskStatePaused     TaskState = "PAUSED"
)

// UnassignedReason explains the last transition away from ASSIGNED
type UnassignedReason string

const (
	ReasonNone               UnassignedReason = ""
	ReasonWorkerDisconnected UnassignedReason = "WORKER_DISCONNECTED"
	ReasonReset              UnassignedReason = "RESET"
	ReasonPaused             UnassignedReason = "PAUSED"
	ReasonNoWorkerAvailable  UnassignedReason = "NO_WORKER_AVAILABLE"
	ReasonValidationFailed   UnassignedReason = "TASK_VALIDATION_FAILED"
)

// Valid reports whether r is a known reason
func (r UnassignedReason) Valid() bool {
	switch r {
	case ReasonNone, ReasonWorkerDisconnected, ReasonReset, ReasonPaused,
		ReasonNoWorkerAvailable, ReasonValidationFailed:
		return true
	}
	return false
}

// Schedule controls how often a task runs and how long one run may take
type Schedule struct {
	IntervalSeconds int64 `json:"intervalSeconds"`
	TimeoutMillis   int64 `json:"timeoutMillis"`
}

// Interval returns the run interval as a duration
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Timeout returns the per-run deadline as a duration
func (s Schedule) Timeout() time.Duration {
	return time.Duration(s.TimeoutMillis) * time.Millisecond
}

// Validate checks that both interval and timeout are positive
func (s Schedule) Validate() error {
	if s.IntervalSeconds <= 0 || s.TimeoutMillis <= 0 {
		return ErrInvalidSchedule
	}
	return nil
}

// ClientContext is the task-type specific configuration of a task.
// Exactly one of Params or Bundle is set.
type ClientContext struct {
	Params map[string]string `json:"params"`
	Bundle []byte            `json:"bundle,omitempty"`
}

// ParamsContext builds a client context from a flat parameter map
func ParamsContext(params map[string]string) ClientContext {
	if params == nil {
		params = map[string]string{}
	}
	return ClientContext{Params: params}
}

// BundleContext builds a client context from a pre-built execution bundle
func BundleContext(bundle []byte) ClientContext {
	return ClientContext{Bundle: bundle}
}

// IsBundle reports whether the context carries an opaque execution bundle
func (c ClientContext) IsBundle() bool {
	return c.Bundle != nil
}

// Validate enforces that exactly one representation is populated
func (c ClientContext) Validate() error {
	if (c.Params == nil) == (c.Bundle == nil) {
		return ErrInvalidClientContext
	}
	return nil
}

// Key returns a stable digest of the context, independent of map order
func (c ClientContext) Key() string {
	h := sha256.New()
	if c.IsBundle() {
		h.Write([]byte("bundle\x00"))
		h.Write(c.Bundle)
		return hex.EncodeToString(h.Sum(nil))
	}

	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h.Write([]byte("params\x00"))
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(c.Params[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PerpetualTask is a recurring polling job owned by one account
type PerpetualTask struct {
	ID                 string
	AccountID          string
	TaskType           string
	ClientContext      ClientContext
	LastContextUpdated int64 // unix millis, only increases
	Schedule           Schedule
	AssignedWorkerID   string
	State              TaskState
	UnassignedReason   UnassignedReason
	LastHeartbeatAt    time.Time
	Description        string
	CreatedAt          time.Time
}

// DedupKey identifies the (account, type, context) triple
func (t *PerpetualTask) DedupKey() string {
	return DedupKey(t.AccountID, t.TaskType, t.ClientContext)
}

// DedupKey builds the lookup key used for idempotent creation
func DedupKey(accountID, taskType string, cc ClientContext) string {
	return accountID + "/" + taskType + "/" + cc.Key()
}

// Appoint moves an UNASSIGNED task to ASSIGNED on workerID.
// It reports false when the task is not eligible. Appointing a task
// already assigned to the same worker succeeds without changes.
func (t *PerpetualTask) Appoint(workerID string, contextVersion int64) bool {
	switch t.State {
	case TaskStateUnassigned:
		t.AssignedWorkerID = workerID
		t.State = TaskStateAssigned
		t.UnassignedReason = ReasonNone
		t.BumpContextVersion(contextVersion)
		return true
	case TaskStateAssigned:
		return t.AssignedWorkerID == workerID
	default:
		return false
	}
}

// Unassign clears the assignment and returns the previous worker, if any
func (t *PerpetualTask) Unassign(reason UnassignedReason) string {
	prev := t.AssignedWorkerID
	t.AssignedWorkerID = ""
	t.State = TaskStateUnassigned
	t.UnassignedReason = reason
	return prev
}

// Pause excludes the task from assignment and returns the previous worker
func (t *PerpetualTask) Pause() string {
	prev := t.AssignedWorkerID
	t.AssignedWorkerID = ""
	t.State = TaskStatePaused
	t.UnassignedReason = ReasonPaused
	return prev
}

// BumpContextVersion raises LastContextUpdated to v if v is newer
func (t *PerpetualTask) BumpContextVersion(v int64) {
	if v > t.LastContextUpdated {
		t.LastContextUpdated = v
	}
}

// CheckInvariant verifies assignedWorkerID is set iff state is ASSIGNED
func (t *PerpetualTask) CheckInvariant() error {
	if (t.AssignedWorkerID != "") != (t.State == TaskStateAssigned) {
		return ErrAssignmentInvariant
	}
	return nil
}

// AssignedTask is one entry of a worker's assignment view
type AssignedTask struct {
	TaskID             string `json:"taskId"`
	LastContextUpdated int64  `json:"lastContextUpdated"`
}

// ExecutionContext is everything a worker needs to run a task
type ExecutionContext struct {
	TaskID             string    `json:"taskId"`
	TaskType           string    `json:"taskType"`
	Params             []byte    `json:"params"`
	Schedule           Schedule  `json:"schedule"`
	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	LastContextUpdated int64     `json:"lastContextUpdated"`
}

// Response codes produced by the worker lifecycle
const (
	ResponseCodeOK      = 200
	ResponseCodeTimeout = 408
	ResponseCodeFailed  = 500
)

// TaskResponse is the outcome of one task run reported in a heartbeat
type TaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WorkerStatus represents the liveness of a worker
type WorkerStatus string

const (
	WorkerStatusReady WorkerStatus = "ready"
	WorkerStatusDown  WorkerStatus = "down"
)

// Worker is a remote agent that executes perpetual tasks for one account
type Worker struct {
	ID            string
	AccountID     string
	Hostname      string
	Status        WorkerStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
}
