package api

import (
	"time"

	"github.com/cuemby/perpetual/pkg/types"
)

// Empty is used by calls with nothing to say
type Empty struct{}

// CreateTaskRequest creates a perpetual task. Set exactly one of Params or
// Bundle.
type CreateTaskRequest struct {
	TaskType       string            `json:"taskType"`
	AccountID      string            `json:"accountId"`
	Params         map[string]string `json:"params,omitempty"`
	Bundle         []byte            `json:"bundle,omitempty"`
	Schedule       types.Schedule    `json:"schedule"`
	AllowDuplicate bool              `json:"allowDuplicate"`
	Description    string            `json:"description,omitempty"`
}

// ClientContext builds the task's client context from the request
func (r *CreateTaskRequest) ClientContext() types.ClientContext {
	if r.Bundle != nil {
		return types.BundleContext(r.Bundle)
	}
	return types.ParamsContext(r.Params)
}

type CreateTaskResponse struct {
	TaskID string `json:"taskId"`
}

// TaskRequest addresses one task. AccountID scopes the lookup when set.
type TaskRequest struct {
	AccountID string `json:"accountId,omitempty"`
	TaskID    string `json:"taskId"`
}

type ResetTaskRequest struct {
	AccountID string `json:"accountId"`
	TaskID    string `json:"taskId"`
	Bundle    []byte `json:"bundle,omitempty"`
}

type AccountRequest struct {
	AccountID string `json:"accountId"`
}

// BoolResponse carries the result of calls that report whether they did
// anything
type BoolResponse struct {
	OK bool `json:"ok"`
}

type TaskResponse struct {
	Task *types.PerpetualTask `json:"task"`
}

type TaskTypeResponse struct {
	TaskType string `json:"taskType"`
}

type ListTasksResponse struct {
	Tasks []*types.PerpetualTask `json:"tasks"`
}

type AppointWorkerRequest struct {
	AccountID      string `json:"accountId"`
	TaskID         string `json:"taskId"`
	WorkerID       string `json:"workerId"`
	ContextVersion int64  `json:"contextVersion"`
}

type WorkerDisconnectedRequest struct {
	AccountID string `json:"accountId"`
	WorkerID  string `json:"workerId"`
}

type TaskIDsResponse struct {
	TaskIDs []string `json:"taskIds"`
}

type UnassignedReasonRequest struct {
	TaskID string                 `json:"taskId"`
	Reason types.UnassignedReason `json:"reason"`
}

type GenerateTokenRequest struct {
	AccountID  string `json:"accountId"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

type GenerateTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Worker calls. The account comes from the worker's token.

type WorkerRequest struct {
	WorkerID string `json:"workerId"`
	Hostname string `json:"hostname,omitempty"`
}

type WorkerResponse struct {
	Worker *types.Worker `json:"worker"`
}

type AssignedTasksResponse struct {
	Tasks []types.AssignedTask `json:"tasks"`
}

type ExecutionContextRequest struct {
	TaskID string `json:"taskId"`
}

type ExecutionContextResponse struct {
	Context *types.ExecutionContext `json:"context"`
}

type CallbackRequest struct {
	TaskID          string             `json:"taskId"`
	HeartbeatMillis int64              `json:"heartbeatMillis"`
	Response        types.TaskResponse `json:"response"`
}

// AssignmentChanged is the push message: re-poll ListAssignedTasks
type AssignmentChanged struct {
	WorkerID string `json:"workerId"`
}
