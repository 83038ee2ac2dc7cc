package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/perpetual/pkg/events"
	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/rs/zerolog"
)

const defaultInterval = 5 * time.Second

// Config configures a Scheduler
type Config struct {
	// Interval between full scheduling passes. Events trigger extra passes.
	Interval time.Duration
}

// Scheduler hands UNASSIGNED tasks to ready workers of the same account
type Scheduler struct {
	manager  *manager.Manager
	interval time.Duration

	mu          sync.Mutex
	kickCh      chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	unsubscribe func()
	logger      zerolog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(mgr *manager.Manager, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Scheduler{
		manager:  mgr,
		interval: cfg.Interval,
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// Start begins the scheduler loop. Task and worker lifecycle events on the
// manager's CRUD stream trigger an immediate pass.
func (s *Scheduler) Start() {
	s.unsubscribe = s.manager.CRUDEvents().SubscribeFunc(func(e *events.Event) {
		switch e.Type {
		case events.EventTaskCreated, events.EventTaskReset,
			events.EventTaskRebalanceRequired, events.EventWorkerRegistered:
			s.Kick()
		}
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop stops the scheduler and waits for an in-flight pass to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Kick requests a scheduling pass as soon as possible. Kicks that arrive
// while one is queued are merged.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kickCh:
		case <-s.stopCh:
			return
		}
		if err := s.schedule(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Scheduling pass failed")
		}
	}
}

// schedule performs one scheduling pass
func (s *Scheduler) schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.manager.IsLeader() {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	tasks, err := s.manager.ListTasks()
	if err != nil {
		return err
	}
	workers, err := s.manager.ListWorkers()
	if err != nil {
		return err
	}

	ready := readyWorkersByAccount(workers)
	load := workerLoad(tasks)

	pending := unassignedTasks(tasks)
	for _, task := range pending {
		worker := selectWorker(ready[task.AccountID], load)
		if worker == nil {
			s.markNoWorker(ctx, task)
			continue
		}

		ok, err := s.manager.AppointWorker(ctx, task.AccountID, task.ID, worker.ID, time.Now().UnixMilli())
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to appoint worker")
			continue
		}
		if !ok {
			// Someone else moved the task since we listed it
			continue
		}
		load[worker.ID]++
	}

	return nil
}

func (s *Scheduler) markNoWorker(ctx context.Context, task *types.PerpetualTask) {
	if task.UnassignedReason == types.ReasonNoWorkerAvailable {
		return
	}
	if _, err := s.manager.UpdateUnassignedReason(ctx, task.ID, types.ReasonNoWorkerAvailable); err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record unassigned reason")
		return
	}
	s.logger.Debug().
		Str("task_id", task.ID).
		Str("account_id", task.AccountID).
		Msg("No ready worker for task")
}

// readyWorkersByAccount groups ready workers by account, sorted by id
func readyWorkersByAccount(workers []*types.Worker) map[string][]*types.Worker {
	ready := make(map[string][]*types.Worker)
	for _, w := range workers {
		if w.Status == types.WorkerStatusReady {
			ready[w.AccountID] = append(ready[w.AccountID], w)
		}
	}
	for _, ws := range ready {
		sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
	}
	return ready
}

// workerLoad counts ASSIGNED tasks per worker
func workerLoad(tasks []*types.PerpetualTask) map[string]int {
	load := make(map[string]int)
	for _, t := range tasks {
		if t.State == types.TaskStateAssigned {
			load[t.AssignedWorkerID]++
		}
	}
	return load
}

// unassignedTasks returns UNASSIGNED tasks, oldest first
func unassignedTasks(tasks []*types.PerpetualTask) []*types.PerpetualTask {
	var pending []*types.PerpetualTask
	for _, t := range tasks {
		if t.State == types.TaskStateUnassigned {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// selectWorker picks the candidate with the fewest assigned tasks. Ties go
// to the first candidate in order.
func selectWorker(candidates []*types.Worker, load map[string]int) *types.Worker {
	var selected *types.Worker
	minTasks := int(^uint(0) >> 1) // Max int

	for _, w := range candidates {
		if count := load[w.ID]; count < minTasks {
			minTasks = count
			selected = w
		}
	}
	return selected
}
