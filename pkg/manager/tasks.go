package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/perpetual/pkg/events"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/google/uuid"
)

// CreateTask persists a new UNASSIGNED task. Unless allowDuplicate is set,
// a task with the same account, type and client context is returned instead
// of creating a second one.
func (m *Manager) CreateTask(ctx context.Context, taskType, accountID string, cc types.ClientContext, schedule types.Schedule, allowDuplicate bool, description string) (string, error) {
	if accountID == "" || taskType == "" {
		return "", fmt.Errorf("%w: account id and task type are required", ErrInvalidArgument)
	}
	if !m.registry.Has(taskType) {
		return "", fmt.Errorf("%w: %s", registry.ErrUnknownTaskType, taskType)
	}
	if err := cc.Validate(); err != nil {
		return "", err
	}
	if err := schedule.Validate(); err != nil {
		return "", err
	}
	if cc.IsBundle() {
		if _, err := types.DecodeExecutionBundle(cc.Bundle); err != nil {
			return "", err
		}
	}

	now := time.Now()
	task := &types.PerpetualTask{
		ID:                 uuid.New().String(),
		AccountID:          accountID,
		TaskType:           taskType,
		ClientContext:      cc,
		LastContextUpdated: now.UnixMilli(),
		Schedule:           schedule,
		State:              types.TaskStateUnassigned,
		Description:        description,
		CreatedAt:          now,
	}

	// The id is fixed before the first attempt, so a retry after an apply
	// that did commit finds the same record instead of adding another.
	var res *createResult
	err := m.withRetry(opCreateTask, func() error {
		resp, err := m.applyOp(opCreateTask, createTaskPayload{Task: task, AllowDuplicate: allowDuplicate})
		if err != nil {
			return err
		}
		r, ok := resp.(*createResult)
		if !ok {
			return fmt.Errorf("create_task: unexpected result %T", resp)
		}
		res = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if !res.Created {
		metrics.TasksDeduplicated.Inc()
		return res.ID, nil
	}

	metrics.TasksCreated.Inc()
	m.logger.Info().
		Str("task_id", res.ID).
		Str("account_id", accountID).
		Str("task_type", taskType).
		Msg("Created perpetual task")

	m.crudEvents.Publish(&events.Event{
		Type:      events.EventTaskCreated,
		AccountID: accountID,
		TaskID:    res.ID,
		Metadata:  map[string]string{"task_type": taskType},
	})

	return res.ID, nil
}

// DeleteTask removes a task. It reports false when there was nothing to
// delete.
func (m *Manager) DeleteTask(ctx context.Context, accountID, taskID string) (bool, error) {
	var res *taskResult
	err := m.withRetry(opDeleteTask, func() error {
		var err error
		res, err = m.applyTask(opDeleteTask, taskRefPayload{AccountID: accountID, TaskID: taskID})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete task: %w", err)
	}
	if !res.Changed {
		return false, nil
	}

	m.recordPending(accountID, res.PrevWorkerID)
	m.crudEvents.Publish(&events.Event{
		Type:      events.EventTaskDeleted,
		AccountID: accountID,
		TaskID:    taskID,
		WorkerID:  res.PrevWorkerID,
	})

	m.logger.Info().Str("task_id", taskID).Str("account_id", accountID).Msg("Deleted perpetual task")
	return true, nil
}

// DeleteAllTasksForAccount removes every task of an account. It reports
// whether any task was deleted.
func (m *Manager) DeleteAllTasksForAccount(ctx context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, fmt.Errorf("%w: account id is required", ErrInvalidArgument)
	}

	var res *bulkResult
	err := m.withRetry(opDeleteAccountTasks, func() error {
		resp, err := m.applyOp(opDeleteAccountTasks, accountID)
		if err != nil {
			return err
		}
		r, ok := resp.(*bulkResult)
		if !ok {
			return fmt.Errorf("delete_account_tasks: unexpected result %T", resp)
		}
		res = r
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete account tasks: %w", err)
	}

	for _, task := range res.Tasks {
		m.recordPending(accountID, task.AssignedWorkerID)
		m.crudEvents.Publish(&events.Event{
			Type:      events.EventTaskDeleted,
			AccountID: accountID,
			TaskID:    task.ID,
			WorkerID:  task.AssignedWorkerID,
		})
	}

	m.logger.Info().Str("account_id", accountID).Int("count", len(res.Tasks)).Msg("Deleted account tasks")
	return len(res.Tasks) > 0, nil
}

// PauseTask moves a task to PAUSED, taking it away from its worker. It
// reports false when the task does not exist in the account.
func (m *Manager) PauseTask(ctx context.Context, accountID, taskID string) (bool, error) {
	res, err := m.applyTask(opPauseTask, taskRefPayload{AccountID: accountID, TaskID: taskID})
	if err != nil {
		return false, fmt.Errorf("failed to pause task: %w", err)
	}
	if !res.Found {
		return false, nil
	}

	if res.Changed {
		m.recordPending(accountID, res.PrevWorkerID)
		m.stateEvents.Publish(&events.Event{
			Type:      events.EventTaskPaused,
			AccountID: accountID,
			TaskID:    taskID,
			WorkerID:  res.PrevWorkerID,
		})
	}
	return true, nil
}

// ResumeTask returns a task to UNASSIGNED so it can be picked up again
func (m *Manager) ResumeTask(ctx context.Context, accountID, taskID string) (bool, error) {
	return m.ResetTask(ctx, accountID, taskID, nil)
}

// ResetTask clears a task's assignment and returns it to UNASSIGNED. A
// non-nil bundle replaces the client context and bumps its version.
func (m *Manager) ResetTask(ctx context.Context, accountID, taskID string, bundle []byte) (bool, error) {
	if bundle != nil {
		if _, err := types.DecodeExecutionBundle(bundle); err != nil {
			return false, err
		}
	}

	payload := resetTaskPayload{
		AccountID:      accountID,
		TaskID:         taskID,
		Bundle:         bundle,
		ContextVersion: time.Now().UnixMilli(),
	}

	var res *taskResult
	err := m.withRetry(opResetTask, func() error {
		var err error
		res, err = m.applyTask(opResetTask, payload)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to reset task: %w", err)
	}
	if !res.Found {
		return false, nil
	}

	m.recordPending(accountID, res.PrevWorkerID)
	m.crudEvents.Publish(&events.Event{
		Type:      events.EventTaskReset,
		AccountID: accountID,
		TaskID:    taskID,
		WorkerID:  res.PrevWorkerID,
	})
	m.stateEvents.Publish(&events.Event{
		Type:      events.EventTaskUnassigned,
		AccountID: accountID,
		TaskID:    taskID,
		WorkerID:  res.PrevWorkerID,
		Metadata:  map[string]string{"reason": string(types.ReasonReset)},
	})
	metrics.TasksUnassigned.WithLabelValues(string(types.ReasonReset)).Inc()

	return true, nil
}

// ListAssignedTasks returns the tasks assigned to workerID in the account
// of the authenticated caller.
func (m *Manager) ListAssignedTasks(ctx context.Context, workerID string) ([]types.AssignedTask, error) {
	accountID, ok := AccountFromContext(ctx)
	if !ok {
		return nil, ErrNoAccount
	}

	tasks, err := m.store.ListTasksByWorker(accountID, workerID)
	if err != nil {
		return nil, err
	}

	assigned := make([]types.AssignedTask, 0, len(tasks))
	for _, t := range tasks {
		assigned = append(assigned, types.AssignedTask{
			TaskID:             t.ID,
			LastContextUpdated: t.LastContextUpdated,
		})
	}
	return assigned, nil
}

// ListAllTasksForAccount returns every task of an account
func (m *Manager) ListAllTasksForAccount(ctx context.Context, accountID string) ([]*types.PerpetualTask, error) {
	return m.store.ListTasksByAccount(accountID)
}

// ListTasks returns every task across accounts
func (m *Manager) ListTasks() ([]*types.PerpetualTask, error) {
	return m.store.ListTasks()
}

// GetTaskRecord returns a task by id
func (m *Manager) GetTaskRecord(ctx context.Context, taskID string) (*types.PerpetualTask, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if accountID, ok := AccountFromContext(ctx); ok && task.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	return task, nil
}

// GetTaskType returns the type of a task
func (m *Manager) GetTaskType(ctx context.Context, taskID string) (string, error) {
	task, err := m.GetTaskRecord(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.TaskType, nil
}

// GetExecutionContext resolves the parameters a worker needs to run a task.
// A bundle context is decoded; a params context is handed to the task
// type's param builder.
func (m *Manager) GetExecutionContext(ctx context.Context, taskID string) (*types.ExecutionContext, error) {
	task, err := m.GetTaskRecord(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var params []byte
	if task.ClientContext.IsBundle() {
		bundle, err := types.DecodeExecutionBundle(task.ClientContext.Bundle)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", taskID, err)
		}
		params = bundle.Params
	} else {
		builder, err := m.registry.ParamBuilder(task.TaskType)
		if err != nil {
			return nil, err
		}
		params, err = builder.BuildParams(ctx, task.ClientContext.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to build params for task %s: %w", taskID, err)
		}
	}

	return &types.ExecutionContext{
		TaskID:             task.ID,
		TaskType:           task.TaskType,
		Params:             params,
		Schedule:           task.Schedule,
		LastHeartbeat:      task.LastHeartbeatAt,
		LastContextUpdated: task.LastContextUpdated,
	}, nil
}

// AppointWorker assigns an UNASSIGNED task to workerID. It reports false
// when the task is not eligible, including when another assigner won the
// race for it. Appointing the current owner again succeeds.
func (m *Manager) AppointWorker(ctx context.Context, accountID, taskID, workerID string, contextVersion int64) (bool, error) {
	if workerID == "" {
		return false, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}

	res, err := m.applyTask(opAppointWorker, appointPayload{
		AccountID:      accountID,
		TaskID:         taskID,
		WorkerID:       workerID,
		ContextVersion: contextVersion,
	})
	if err != nil {
		return false, fmt.Errorf("failed to appoint worker: %w", err)
	}
	if !res.Found {
		return false, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}

	appointed := res.Task.State == types.TaskStateAssigned && res.Task.AssignedWorkerID == workerID
	if !res.Changed {
		return appointed, nil
	}

	metrics.TasksAssigned.Inc()
	m.recordPending(accountID, workerID)
	m.stateEvents.Publish(&events.Event{
		Type:      events.EventTaskAssigned,
		AccountID: accountID,
		TaskID:    taskID,
		WorkerID:  workerID,
	})

	m.logger.Debug().
		Str("task_id", taskID).
		Str("worker_id", workerID).
		Msg("Appointed worker")
	return true, nil
}

// TriggerCallback records a heartbeat for a task. It never changes the
// task's state or assignment. It reports false for an unknown task.
func (m *Manager) TriggerCallback(ctx context.Context, taskID string, heartbeatMillis int64, resp types.TaskResponse) (bool, error) {
	accountID, _ := AccountFromContext(ctx)

	res, err := m.applyTask(opHeartbeat, heartbeatPayload{
		AccountID:   accountID,
		TaskID:      taskID,
		HeartbeatAt: time.UnixMilli(heartbeatMillis).UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if !res.Found {
		return false, nil
	}

	if resp.Code != types.ResponseCodeOK {
		m.logger.Warn().
			Str("task_id", taskID).
			Int("code", resp.Code).
			Str("message", resp.Message).
			Msg("Task reported failure")
	}
	return true, nil
}

// OnWorkerDisconnected returns every task assigned to workerID in the
// account to UNASSIGNED and announces that a rebalance is required.
func (m *Manager) OnWorkerDisconnected(ctx context.Context, accountID, workerID string) ([]string, error) {
	resp, err := m.applyOp(opUnassignWorker, unassignWorkerPayload{
		AccountID: accountID,
		WorkerID:  workerID,
		Reason:    types.ReasonWorkerDisconnected,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unassign worker tasks: %w", err)
	}
	res, ok := resp.(*bulkResult)
	if !ok {
		return nil, fmt.Errorf("unassign_worker: unexpected result %T", resp)
	}

	metrics.WorkerDisconnects.Inc()
	metrics.TasksUnassigned.WithLabelValues(string(types.ReasonWorkerDisconnected)).Add(float64(len(res.TaskIDs)))

	m.logger.Info().
		Str("account_id", accountID).
		Str("worker_id", workerID).
		Int("count", len(res.TaskIDs)).
		Msg("Worker disconnected, tasks unassigned")

	for _, id := range res.TaskIDs {
		m.stateEvents.Publish(&events.Event{
			Type:      events.EventTaskUnassigned,
			AccountID: accountID,
			TaskID:    id,
			WorkerID:  workerID,
			Metadata:  map[string]string{"reason": string(types.ReasonWorkerDisconnected)},
		})
	}
	m.crudEvents.Publish(&events.Event{
		Type:      events.EventTaskRebalanceRequired,
		AccountID: accountID,
		WorkerID:  workerID,
		Message:   fmt.Sprintf("%d tasks unassigned", len(res.TaskIDs)),
	})

	return res.TaskIDs, nil
}

// UpdateUnassignedReason records why an UNASSIGNED task is still waiting.
// It reports false when the task is not UNASSIGNED.
func (m *Manager) UpdateUnassignedReason(ctx context.Context, taskID string, reason types.UnassignedReason) (bool, error) {
	if !reason.Valid() {
		return false, fmt.Errorf("%w: unknown reason %q", ErrInvalidArgument, reason)
	}

	res, err := m.applyTask(opSetReason, reasonPayload{TaskID: taskID, Reason: reason})
	if err != nil {
		return false, fmt.Errorf("failed to update unassigned reason: %w", err)
	}
	if !res.Found {
		return false, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	return res.Task.State == types.TaskStateUnassigned, nil
}
