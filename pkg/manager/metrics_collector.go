package manager

import (
	"time"

	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/types"
)

// MetricsCollector periodically publishes task and worker gauges
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectTaskMetrics()
	c.collectWorkerMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectTaskMetrics() {
	tasks, err := c.manager.ListTasks()
	if err != nil {
		return
	}

	counts := map[types.TaskState]int{
		types.TaskStateUnassigned: 0,
		types.TaskStateAssigned:   0,
		types.TaskStatePaused:     0,
	}
	for _, task := range tasks {
		counts[task.State]++
	}

	for state, count := range counts {
		metrics.TasksTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectWorkerMetrics() {
	workers, err := c.manager.ListWorkers()
	if err != nil {
		return
	}

	counts := map[types.WorkerStatus]int{
		types.WorkerStatusReady: 0,
		types.WorkerStatusDown:  0,
	}
	for _, worker := range workers {
		counts[worker.Status]++
	}

	for status, count := range counts {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	// Check if leader
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
		metrics.UpdateComponent("raft", true, "leader")
	} else {
		metrics.RaftLeader.Set(0)
		if c.manager.LeaderAddr() == "" {
			metrics.UpdateComponent("raft", false, "no leader")
		} else {
			metrics.UpdateComponent("raft", true, "follower")
		}
	}

	// Get Raft stats
	stats := c.manager.GetRaftStats()
	if stats != nil {
		if appliedIndex, ok := stats["applied_index"].(uint64); ok {
			metrics.RaftAppliedIndex.Set(float64(appliedIndex))
		}
	}
}
