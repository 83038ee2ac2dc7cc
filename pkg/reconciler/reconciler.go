package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultInterval         = 10 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
)

// Config configures a Reconciler
type Config struct {
	Interval time.Duration

	// HeartbeatTimeout is how long a worker may stay silent before its
	// tasks are taken back
	HeartbeatTimeout time.Duration
}

// Reconciler detects dead workers and returns their tasks to the pool
type Reconciler struct {
	manager          *manager.Manager
	interval         time.Duration
	heartbeatTimeout time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(mgr *manager.Manager, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Reconciler{
		manager:          mgr,
		interval:         cfg.Interval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		stopCh:           make(chan struct{}),
		logger:           log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation cycle
func (r *Reconciler) reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.manager.IsLeader() {
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	if err := r.reconcileWorkers(ctx); err != nil {
		return err
	}
	return r.reconcileOrphans(ctx)
}

// reconcileWorkers marks workers with stale heartbeats as down, which
// unassigns their tasks
func (r *Reconciler) reconcileWorkers(ctx context.Context) error {
	workers, err := r.manager.ListWorkers()
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	now := time.Now()
	for _, w := range workers {
		if w.Status == types.WorkerStatusDown {
			continue
		}
		silent := now.Sub(w.LastHeartbeat)
		if silent <= r.heartbeatTimeout {
			continue
		}

		r.logger.Warn().
			Str("worker_id", w.ID).
			Str("account_id", w.AccountID).
			Dur("silent_for", silent).
			Msg("Worker missed heartbeats, marking down")
		marked, err := r.manager.MarkWorkerDown(ctx, w.ID, now.Add(-r.heartbeatTimeout))
		if err != nil {
			r.logger.Error().Err(err).Str("worker_id", w.ID).Msg("Failed to mark worker down")
			continue
		}
		if !marked {
			r.logger.Debug().Str("worker_id", w.ID).Msg("Worker heartbeated before mark down")
		}
	}
	return nil
}

// reconcileOrphans releases tasks assigned to workers that no longer exist
// or belong to another account
func (r *Reconciler) reconcileOrphans(ctx context.Context) error {
	tasks, err := r.manager.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	type owner struct{ accountID, workerID string }
	orphaned := make(map[owner]bool)

	for _, t := range tasks {
		if t.State != types.TaskStateAssigned {
			continue
		}
		key := owner{t.AccountID, t.AssignedWorkerID}
		if _, seen := orphaned[key]; seen {
			continue
		}
		w, err := r.manager.GetWorker(t.AssignedWorkerID)
		switch {
		case manager.IsWorkerNotFound(err):
			orphaned[key] = true
		case err != nil:
			return err
		default:
			orphaned[key] = w.AccountID != t.AccountID || w.Status == types.WorkerStatusDown
		}
	}

	for key, isOrphan := range orphaned {
		if !isOrphan {
			continue
		}
		if _, err := r.manager.OnWorkerDisconnected(ctx, key.accountID, key.workerID); err != nil {
			r.logger.Error().Err(err).Str("worker_id", key.workerID).Msg("Failed to release orphaned tasks")
		}
	}
	return nil
}
