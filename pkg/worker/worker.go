package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultSyncInterval      = 30 * time.Second
	watchRetryDelay          = 2 * time.Second
	rpcTimeout               = 10 * time.Second
)

// Config holds worker configuration
type Config struct {
	WorkerID string
	Hostname string

	Client   ManagerClient
	Registry *registry.Registry

	// HeartbeatInterval is the cadence of worker liveness heartbeats
	HeartbeatInterval time.Duration

	// SyncInterval is the cadence of ListAssignedTasks polls. Pushes
	// trigger extra syncs.
	SyncInterval time.Duration

	CacheTTL  time.Duration
	CacheSize int
}

// Worker runs the perpetual tasks the control plane assigns to it
type Worker struct {
	id       string
	hostname string
	client   ManagerClient
	registry *registry.Registry
	cache    *ResponseCache

	heartbeatInterval time.Duration
	syncInterval      time.Duration

	cron *cron.Cron

	tasks   map[string]*runningTask
	tasksMu sync.Mutex
	syncMu  sync.Mutex

	syncCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	logger zerolog.Logger
}

type runningTask struct {
	lifecycle *Lifecycle
	entryID   cron.EntryID
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("manager client is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("executor registry is required")
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	syncEvery := cfg.SyncInterval
	if syncEvery <= 0 {
		syncEvery = defaultSyncInterval
	}

	logger := log.WithWorkerID(cfg.WorkerID)
	cl := cronLogger{logger: logger.With().Str("subsystem", "cron").Logger()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:                cfg.WorkerID,
		hostname:          hostname,
		client:            cfg.Client,
		registry:          cfg.Registry,
		cache:             NewResponseCache(cfg.CacheSize, cfg.CacheTTL),
		heartbeatInterval: heartbeat,
		syncInterval:      syncEvery,
		cron:              cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		tasks:             make(map[string]*runningTask),
		syncCh:            make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger,
	}, nil
}

// Start registers with the control plane and starts the heartbeat, sync and
// push-watch loops
func (w *Worker) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	w.cron.Start()

	w.wg.Add(3)
	go w.heartbeatLoop()
	go w.syncLoop()
	go w.watchLoop()

	w.TriggerSync()
	return nil
}

// Stop stops all tasks and deregisters the worker
func (w *Worker) Stop() error {
	close(w.stopCh)
	w.cancel()
	w.wg.Wait()

	<-w.cron.Stop().Done()

	w.tasksMu.Lock()
	running := w.tasks
	w.tasks = make(map[string]*runningTask)
	w.tasksMu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range running {
		wg.Add(1)
		go func(rt *runningTask) {
			defer wg.Done()
			rt.lifecycle.Stop()
		}(rt)
	}
	wg.Wait()
	metrics.RunningTasks.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := w.client.DeregisterWorker(ctx, w.id); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to deregister worker")
	}
	return nil
}

// TriggerSync asks for a sync with the control plane as soon as possible
func (w *Worker) TriggerSync() {
	select {
	case w.syncCh <- struct{}{}:
	default:
	}
}

// RunningTasks returns the ids of the tasks this worker is running
func (w *Worker) RunningTasks() []string {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()

	ids := make([]string, 0, len(w.tasks))
	for id := range w.tasks {
		ids = append(ids, id)
	}
	return ids
}

// register retries registration with exponential backoff until ctx ends
func (w *Worker) register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		defer cancel()
		return w.client.RegisterWorker(rctx, w.id, w.hostname)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		w.logger.Warn().Err(err).Dur("retry_in", next).Msg("Registration failed")
	})
}

// heartbeatLoop sends periodic liveness heartbeats to the manager
func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sendHeartbeat()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(w.ctx, rpcTimeout)
	defer cancel()

	err := w.client.WorkerHeartbeat(ctx, w.id)
	if errors.Is(err, ErrNotRegistered) {
		w.logger.Warn().Msg("Control plane forgot this worker, registering again")
		err = w.client.RegisterWorker(ctx, w.id, w.hostname)
		if err == nil {
			w.TriggerSync()
		}
	}
	if err != nil {
		w.logger.Warn().Err(err).Msg("Worker heartbeat failed")
	}
}

// syncLoop reconciles running tasks with the assignment set on a ticker
// and whenever a sync is triggered
func (w *Worker) syncLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-w.syncCh:
		case <-w.stopCh:
			return
		}
		if err := w.Sync(w.ctx); err != nil {
			w.logger.Warn().Err(err).Msg("Task sync failed")
		}
	}
}

// watchLoop follows the push stream and triggers a sync per message. The
// stream is reopened when it ends.
func (w *Worker) watchLoop() {
	defer w.wg.Done()

	for {
		ch, err := w.client.WatchAssignments(w.ctx, w.id)
		if err != nil {
			w.logger.Debug().Err(err).Msg("Assignment watch unavailable")
		} else {
			for range ch {
				w.TriggerSync()
			}
			// Pushes may have been missed while the stream was down
			w.TriggerSync()
		}

		select {
		case <-time.After(watchRetryDelay):
		case <-w.stopCh:
			return
		}
	}
}

// Sync fetches the assignment set and starts, restarts or stops tasks so
// the running set matches it. A task whose context version changed is
// restarted with a fresh execution context.
func (w *Worker) Sync(ctx context.Context) error {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	assigned, err := w.client.ListAssignedTasks(lctx, w.id)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to list assigned tasks: %w", err)
	}

	wanted := make(map[string]int64, len(assigned))
	for _, a := range assigned {
		wanted[a.TaskID] = a.LastContextUpdated
	}

	w.tasksMu.Lock()
	var stale []*runningTask
	for id, rt := range w.tasks {
		version, ok := wanted[id]
		if !ok || version != rt.lifecycle.ContextVersion() {
			stale = append(stale, rt)
			delete(w.tasks, id)
		}
	}
	var missing []string
	for id := range wanted {
		if _, ok := w.tasks[id]; !ok {
			missing = append(missing, id)
		}
	}
	w.tasksMu.Unlock()

	for _, rt := range stale {
		w.stopTask(rt)
	}

	var merr *multierror.Error
	for _, id := range missing {
		if err := w.startTask(ctx, id); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	w.tasksMu.Lock()
	metrics.RunningTasks.Set(float64(len(w.tasks)))
	w.tasksMu.Unlock()

	return merr.ErrorOrNil()
}

func (w *Worker) startTask(ctx context.Context, taskID string) error {
	ectx, cancel := context.WithTimeout(ctx, rpcTimeout)
	ec, err := w.client.GetExecutionContext(ectx, taskID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get execution context for %s: %w", taskID, err)
	}
	if err := ec.Schedule.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	lc := NewLifecycle(ec, w.registry, w.client, w.cache)

	cl := cronLogger{logger: w.logger}
	job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(lc.RunCycle))

	entryID := w.cron.Schedule(cron.Every(ec.Schedule.Interval()), job)

	w.tasksMu.Lock()
	w.tasks[taskID] = &runningTask{lifecycle: lc, entryID: entryID}
	w.tasksMu.Unlock()

	w.logger.Info().
		Str("task_id", taskID).
		Str("task_type", ec.TaskType).
		Dur("interval", ec.Schedule.Interval()).
		Int64("context_version", ec.LastContextUpdated).
		Msg("Started task")

	// First run now rather than one interval from now
	go job.Run()
	return nil
}

func (w *Worker) stopTask(rt *runningTask) {
	w.cron.Remove(rt.entryID)
	rt.lifecycle.Stop()
	w.logger.Info().Str("task_id", rt.lifecycle.TaskID()).Msg("Stopped task")
}
