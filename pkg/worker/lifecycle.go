package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultCallbackTimeout = 10 * time.Second
	cleanupTimeout         = 10 * time.Second

	failedMessage = "failed"
)

// Run outcomes, used as metric labels
const (
	outcomeOK          = "ok"
	outcomeTimeout     = "timeout"
	outcomeFailed      = "failed"
	outcomeConfigError = "config_error"
)

// Lifecycle runs one assigned task. Each RunCycle executes the task once
// under its timeout and reports the response when it differs from the last
// one reported.
type Lifecycle struct {
	ec              *types.ExecutionContext
	registry        *registry.Registry
	sender          HeartbeatSender
	cache           *ResponseCache
	callbackTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight sync.WaitGroup
	stopped  bool

	logger zerolog.Logger
}

// NewLifecycle creates the lifecycle for one task
func NewLifecycle(ec *types.ExecutionContext, reg *registry.Registry, sender HeartbeatSender, cache *ResponseCache) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		ec:              ec,
		registry:        reg,
		sender:          sender,
		cache:           cache,
		callbackTimeout: defaultCallbackTimeout,
		ctx:             ctx,
		cancel:          cancel,
		logger: log.WithTaskID(ec.TaskID).With().
			Str("component", "lifecycle").
			Str("task_type", ec.TaskType).
			Logger(),
	}
}

// TaskID returns the id of the task this lifecycle runs
func (l *Lifecycle) TaskID() string {
	return l.ec.TaskID
}

// ContextVersion returns the context version the lifecycle was built from
func (l *Lifecycle) ContextVersion() int64 {
	return l.ec.LastContextUpdated
}

// RunCycle executes the task once. It never blocks past the task's timeout
// plus the callback timeout, even if the executor ignores cancellation.
func (l *Lifecycle) RunCycle() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.inFlight.Add(1)
	l.mu.Unlock()
	defer l.inFlight.Done()

	executor, err := l.registry.Executor(l.ec.TaskType)
	if err != nil {
		metrics.TaskRuns.WithLabelValues(l.ec.TaskType, outcomeConfigError).Inc()
		l.logger.Error().Err(err).Msg("No executor for task type, skipping run")
		return
	}

	heartbeatTime := time.Now()
	resp, outcome := l.execute(executor, heartbeatTime)
	if l.ctx.Err() != nil {
		// Stopped mid-run; the task is no longer ours to report on
		return
	}
	metrics.TaskRuns.WithLabelValues(l.ec.TaskType, outcome).Inc()

	l.report(heartbeatTime, resp)
}

// execute runs the executor under the task timeout. The executor runs on
// its own goroutine so a callee that ignores its context cannot hold the
// cycle past the deadline.
func (l *Lifecycle) execute(executor registry.Executor, heartbeatTime time.Time) (types.TaskResponse, string) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskRunDuration, l.ec.TaskType)

	runCtx, cancel := context.WithTimeout(l.ctx, l.ec.Schedule.Timeout())
	defer cancel()

	type result struct {
		resp *types.TaskResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		resp, err := executor.RunOnce(runCtx, l.ec.TaskID, l.ec.Params, heartbeatTime)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		switch {
		case errors.Is(r.err, context.DeadlineExceeded) && runCtx.Err() != nil:
			return l.timedOut()
		case r.err != nil:
			l.logger.Warn().Err(r.err).Msg("Task run failed")
			return types.TaskResponse{Code: types.ResponseCodeFailed, Message: failedMessage}, outcomeFailed
		case r.resp == nil:
			l.logger.Warn().Msg("Executor returned no response")
			return types.TaskResponse{Code: types.ResponseCodeFailed, Message: failedMessage}, outcomeFailed
		default:
			return *r.resp, outcomeOK
		}
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return l.timedOut()
		}
		return types.TaskResponse{Code: types.ResponseCodeFailed, Message: failedMessage}, outcomeFailed
	}
}

func (l *Lifecycle) timedOut() (types.TaskResponse, string) {
	l.logger.Warn().Dur("timeout", l.ec.Schedule.Timeout()).Msg("Task run timed out")
	return types.TaskResponse{Code: types.ResponseCodeTimeout, Message: failedMessage}, outcomeTimeout
}

// report sends resp unless it matches the cached response. A failed send is
// dropped and not cached, so the next cycle tries again.
func (l *Lifecycle) report(heartbeatTime time.Time, resp types.TaskResponse) {
	if l.cache.Unchanged(l.ec.TaskID, resp) {
		metrics.HeartbeatsSkipped.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.callbackTimeout)
	defer cancel()

	ok, err := l.sender.TriggerCallback(ctx, l.ec.TaskID, heartbeatTime.UnixMilli(), resp)
	if err != nil {
		metrics.HeartbeatFailures.Inc()
		l.logger.Warn().Err(err).Int("code", resp.Code).Msg("Dropped task heartbeat")
		return
	}
	if !ok {
		// The control plane no longer has the task; the next sync removes it
		l.logger.Debug().Msg("Heartbeat for unknown task")
		return
	}

	metrics.HeartbeatsSent.Inc()
	l.cache.Store(l.ec.TaskID, resp)
}

// Stop cancels any in-flight run, waits for the cycle to return and calls
// the executor's Cleanup. Cleanup errors are logged. Stop is idempotent.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	l.cancel()
	l.inFlight.Wait()
	l.cache.Remove(l.ec.TaskID)

	executor, err := l.registry.Executor(l.ec.TaskType)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := executor.Cleanup(ctx, l.ec.TaskID, l.ec.Params); err != nil {
		l.logger.Warn().Err(err).Msg("Task cleanup failed")
	}
}
