package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/perpetual/pkg/types"
)

var (
	ErrUnknownTaskType     = errors.New("unknown task type")
	ErrAlreadyRegistered   = errors.New("task type already registered")
	ErrInvalidRegistration = errors.New("task type registration requires a name and an executor")
)

// ParamBuilder turns a stored client context into task-specific parameters.
// It runs on the control plane when a worker asks for an execution context.
type ParamBuilder interface {
	BuildParams(ctx context.Context, clientContext map[string]string) ([]byte, error)
}

// Executor performs runs of one task type on a worker
type Executor interface {
	// RunOnce performs a single poll. It must return promptly once ctx is done.
	RunOnce(ctx context.Context, taskID string, params []byte, heartbeatTime time.Time) (*types.TaskResponse, error)
	// Cleanup releases anything the task held on this worker
	Cleanup(ctx context.Context, taskID string, params []byte) error
}

// ParamBuilderFunc adapts a function to ParamBuilder
type ParamBuilderFunc func(ctx context.Context, clientContext map[string]string) ([]byte, error)

func (f ParamBuilderFunc) BuildParams(ctx context.Context, clientContext map[string]string) ([]byte, error) {
	return f(ctx, clientContext)
}

// ExecutorFuncs adapts a pair of functions to Executor. A nil CleanupFunc
// is a no-op.
type ExecutorFuncs struct {
	RunFunc     func(ctx context.Context, taskID string, params []byte, heartbeatTime time.Time) (*types.TaskResponse, error)
	CleanupFunc func(ctx context.Context, taskID string, params []byte) error
}

func (e ExecutorFuncs) RunOnce(ctx context.Context, taskID string, params []byte, heartbeatTime time.Time) (*types.TaskResponse, error) {
	return e.RunFunc(ctx, taskID, params, heartbeatTime)
}

func (e ExecutorFuncs) Cleanup(ctx context.Context, taskID string, params []byte) error {
	if e.CleanupFunc == nil {
		return nil
	}
	return e.CleanupFunc(ctx, taskID, params)
}

type entry struct {
	builder  ParamBuilder
	executor Executor
}

// Registry maps task types to their param builder and executor.
// It is safe for concurrent use; lookups take a read lock only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a task type. The builder may be nil for types that are only
// ever created with pre-built execution bundles.
func (r *Registry) Register(taskType string, builder ParamBuilder, executor Executor) error {
	if taskType == "" || executor == nil {
		return ErrInvalidRegistration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[taskType]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, taskType)
	}
	r.entries[taskType] = entry{builder: builder, executor: executor}
	return nil
}

// ParamBuilder returns the param builder for taskType
func (r *Registry) ParamBuilder(taskType string) (ParamBuilder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[taskType]
	if !ok || e.builder == nil {
		return nil, fmt.Errorf("%w: no param builder for %s", ErrUnknownTaskType, taskType)
	}
	return e.builder, nil
}

// Executor returns the executor for taskType
func (r *Registry) Executor(taskType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for %s", ErrUnknownTaskType, taskType)
	}
	return e.executor, nil
}

// Has reports whether taskType is registered
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[taskType]
	return ok
}

// Types returns the registered task types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
