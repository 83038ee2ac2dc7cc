package worker

import (
	"context"
	"errors"

	"github.com/cuemby/perpetual/pkg/types"
)

// ErrNotRegistered is returned by a ManagerClient when the control plane
// does not know the worker, e.g. after it was deregistered
var ErrNotRegistered = errors.New("worker is not registered")

// HeartbeatSender reports task run results to the control plane
type HeartbeatSender interface {
	TriggerCallback(ctx context.Context, taskID string, heartbeatMillis int64, resp types.TaskResponse) (bool, error)
}

// ManagerClient is the worker's view of the control plane
type ManagerClient interface {
	HeartbeatSender

	RegisterWorker(ctx context.Context, workerID, hostname string) error
	WorkerHeartbeat(ctx context.Context, workerID string) error
	DeregisterWorker(ctx context.Context, workerID string) error

	ListAssignedTasks(ctx context.Context, workerID string) ([]types.AssignedTask, error)
	GetExecutionContext(ctx context.Context, taskID string) (*types.ExecutionContext, error)

	// WatchAssignments delivers one value per "assignment set changed"
	// push. The channel is closed when the stream ends.
	WatchAssignments(ctx context.Context, workerID string) (<-chan struct{}, error)
}
