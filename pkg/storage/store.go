package storage

import (
	"errors"

	"github.com/cuemby/perpetual/pkg/types"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")
)

// MutateFunc edits a task in place inside a store transaction. It reports
// whether the task changed; returning false or an error leaves the record
// untouched.
type MutateFunc func(task *types.PerpetualTask) (bool, error)

// WorkerMutateFunc is MutateFunc for worker records
type WorkerMutateFunc func(worker *types.Worker) (bool, error)

// Store defines the interface for perpetual task record storage.
// The manager's state machine is its only writer.
type Store interface {
	// Tasks
	CreateTask(task *types.PerpetualTask, allowDuplicate bool) (id string, created bool, err error)
	PutTask(task *types.PerpetualTask) error
	GetTask(id string) (*types.PerpetualTask, error)
	FindTask(accountID, taskType string, cc types.ClientContext) (*types.PerpetualTask, error)
	ListTasks() ([]*types.PerpetualTask, error)
	ListTasksByAccount(accountID string) ([]*types.PerpetualTask, error)
	ListTasksByWorker(accountID, workerID string) ([]*types.PerpetualTask, error)
	UpdateTask(id string, mutate MutateFunc) (bool, error)
	DeleteTask(id string) (bool, error)
	DeleteTasksByAccount(accountID string) ([]*types.PerpetualTask, error)
	UnassignWorkerTasks(accountID, workerID string, reason types.UnassignedReason) ([]string, error)

	// Workers
	UpsertWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	UpdateWorker(id string, mutate WorkerMutateFunc) (bool, error)
	ListWorkers() ([]*types.Worker, error)
	ListWorkersByAccount(accountID string) ([]*types.Worker, error)
	DeleteWorker(id string) (bool, error)

	// Utility
	Close() error
}
