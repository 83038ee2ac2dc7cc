package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/perpetual/pkg/events"
	"github.com/cuemby/perpetual/pkg/storage"
	"github.com/cuemby/perpetual/pkg/types"
)

// RegisterWorker records a worker of the caller's account as ready
func (m *Manager) RegisterWorker(ctx context.Context, workerID, hostname string) (*types.Worker, error) {
	accountID, ok := AccountFromContext(ctx)
	if !ok {
		return nil, ErrNoAccount
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}

	now := time.Now()
	worker := &types.Worker{
		ID:            workerID,
		AccountID:     accountID,
		Hostname:      hostname,
		Status:        types.WorkerStatusReady,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if existing, err := m.store.GetWorker(workerID); err == nil {
		if existing.AccountID != accountID {
			return nil, fmt.Errorf("%w: worker %s belongs to another account", ErrInvalidArgument, workerID)
		}
		worker.CreatedAt = existing.CreatedAt
	}

	if _, err := m.applyOp(opUpsertWorker, worker); err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	m.crudEvents.Publish(&events.Event{
		Type:      events.EventWorkerRegistered,
		AccountID: accountID,
		WorkerID:  workerID,
	})
	m.logger.Info().
		Str("account_id", accountID).
		Str("worker_id", workerID).
		Str("hostname", hostname).
		Msg("Worker registered")
	return worker, nil
}

// WorkerHeartbeat refreshes a registered worker's liveness
func (m *Manager) WorkerHeartbeat(ctx context.Context, workerID string) error {
	accountID, ok := AccountFromContext(ctx)
	if !ok {
		return ErrNoAccount
	}

	res, err := m.applyWorker(opWorkerHeartbeat, workerHeartbeatPayload{
		AccountID:   accountID,
		WorkerID:    workerID,
		HeartbeatAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to record worker heartbeat: %w", err)
	}
	if !res.Found {
		return fmt.Errorf("%w: %s", storage.ErrWorkerNotFound, workerID)
	}

	if res.WasDown {
		// Back from the dead; let the scheduler hand it work again
		m.crudEvents.Publish(&events.Event{
			Type:      events.EventWorkerRegistered,
			AccountID: accountID,
			WorkerID:  workerID,
		})
	}
	return nil
}

// DeregisterWorker removes a worker and rebalances its tasks
func (m *Manager) DeregisterWorker(ctx context.Context, workerID string) error {
	worker, err := m.callerWorker(ctx, workerID)
	if err != nil {
		return err
	}

	if _, err := m.applyOp(opDeleteWorker, workerID); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	_, err = m.OnWorkerDisconnected(ctx, worker.AccountID, workerID)
	return err
}

// MarkWorkerDown flags a worker whose last heartbeat is older than
// staleBefore and rebalances its tasks. It reports false when the worker was
// already down or has heartbeated since.
func (m *Manager) MarkWorkerDown(ctx context.Context, workerID string, staleBefore time.Time) (bool, error) {
	res, err := m.applyWorker(opMarkWorkerDown, markDownPayload{
		WorkerID:    workerID,
		StaleBefore: staleBefore,
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark worker down: %w", err)
	}
	if !res.Found {
		return false, fmt.Errorf("%w: %s", storage.ErrWorkerNotFound, workerID)
	}
	if !res.Changed {
		return false, nil
	}

	accountID := res.Worker.AccountID
	m.crudEvents.Publish(&events.Event{
		Type:      events.EventWorkerDisconnected,
		AccountID: accountID,
		WorkerID:  workerID,
	})
	_, err = m.OnWorkerDisconnected(ctx, accountID, workerID)
	return true, err
}

// GetWorker returns a worker by id
func (m *Manager) GetWorker(workerID string) (*types.Worker, error) {
	return m.store.GetWorker(workerID)
}

// ListWorkers returns all registered workers
func (m *Manager) ListWorkers() ([]*types.Worker, error) {
	return m.store.ListWorkers()
}

// ListWorkersByAccount returns the workers of one account
func (m *Manager) ListWorkersByAccount(accountID string) ([]*types.Worker, error) {
	return m.store.ListWorkersByAccount(accountID)
}

// callerWorker loads a worker and checks it belongs to the caller's account
func (m *Manager) callerWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	accountID, ok := AccountFromContext(ctx)
	if !ok {
		return nil, ErrNoAccount
	}

	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		return nil, err
	}
	if worker.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s", storage.ErrWorkerNotFound, workerID)
	}
	return worker, nil
}

func (m *Manager) applyWorker(op string, payload interface{}) (*workerResult, error) {
	resp, err := m.applyOp(op, payload)
	if err != nil {
		return nil, err
	}
	res, ok := resp.(*workerResult)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result %T", op, resp)
	}
	return res, nil
}

// IsWorkerNotFound reports whether err means the worker must re-register
func IsWorkerNotFound(err error) bool {
	return errors.Is(err, storage.ErrWorkerNotFound)
}
