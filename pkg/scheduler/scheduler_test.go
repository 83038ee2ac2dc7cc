package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/executors"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()

	reg := registry.New()
	require.NoError(t, executors.RegisterDefaults(reg))

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-manager",
		DataDir:  t.TempDir(),
		InMemory: true,
		Registry: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.NoError(t, mgr.Bootstrap())
	require.NoError(t, mgr.WaitForLeader(5*time.Second), "manager failed to become leader")
	return mgr
}

func createTasks(t *testing.T, mgr *manager.Manager, account string, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := mgr.CreateTask(context.Background(), executors.TypeDemo, account,
			types.ParamsContext(map[string]string{"i": fmt.Sprint(i)}),
			types.Schedule{IntervalSeconds: 60, TimeoutMillis: 1000}, false, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func registerWorker(t *testing.T, mgr *manager.Manager, account, id string) {
	t.Helper()
	_, err := mgr.RegisterWorker(manager.WithAccount(context.Background(), account), id, id+".local")
	require.NoError(t, err)
}

func TestScheduleSpreadsAcrossWorkers(t *testing.T) {
	mgr := newTestManager(t)
	registerWorker(t, mgr, "acc1", "w1")
	registerWorker(t, mgr, "acc1", "w2")
	ids := createTasks(t, mgr, "acc1", 6)

	sched := NewScheduler(mgr, Config{})
	require.NoError(t, sched.schedule(context.Background()))

	perWorker := map[string]int{}
	for _, id := range ids {
		task, err := mgr.GetTaskRecord(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateAssigned, task.State)
		perWorker[task.AssignedWorkerID]++
	}
	assert.Equal(t, map[string]int{"w1": 3, "w2": 3}, perWorker)
}

func TestScheduleRespectsAccounts(t *testing.T) {
	mgr := newTestManager(t)
	registerWorker(t, mgr, "acc1", "w1")
	acc2 := createTasks(t, mgr, "acc2", 2)

	sched := NewScheduler(mgr, Config{})
	require.NoError(t, sched.schedule(context.Background()))

	for _, id := range acc2 {
		task, err := mgr.GetTaskRecord(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateUnassigned, task.State)
		assert.Equal(t, types.ReasonNoWorkerAvailable, task.UnassignedReason)
	}
}

func TestScheduleSkipsPausedAndDownWorkers(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, mgr, "acc1", "w1")
	registerWorker(t, mgr, "acc1", "w2")
	_, err := mgr.MarkWorkerDown(ctx, "w2", time.Now().Add(time.Second))
	require.NoError(t, err)

	ids := createTasks(t, mgr, "acc1", 2)
	_, err = mgr.PauseTask(ctx, "acc1", ids[1])
	require.NoError(t, err)

	sched := NewScheduler(mgr, Config{})
	require.NoError(t, sched.schedule(ctx))

	task, err := mgr.GetTaskRecord(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "w1", task.AssignedWorkerID)

	paused, err := mgr.GetTaskRecord(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePaused, paused.State)
}

func TestRebalanceAfterDisconnect(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	registerWorker(t, mgr, "acc1", "w1")
	ids := createTasks(t, mgr, "acc1", 4)

	sched := NewScheduler(mgr, Config{})
	require.NoError(t, sched.schedule(ctx))

	registerWorker(t, mgr, "acc1", "w2")
	_, err := mgr.MarkWorkerDown(ctx, "w1", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, sched.schedule(ctx))

	for _, id := range ids {
		task, err := mgr.GetTaskRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "w2", task.AssignedWorkerID)
	}
}

func TestStartSchedulesOnEvents(t *testing.T) {
	mgr := newTestManager(t)
	registerWorker(t, mgr, "acc1", "w1")

	// A long interval leaves the event kick as the only trigger
	sched := NewScheduler(mgr, Config{Interval: time.Hour})
	sched.Start()
	defer sched.Stop()

	ids := createTasks(t, mgr, "acc1", 1)

	require.Eventually(t, func() bool {
		task, err := mgr.GetTaskRecord(context.Background(), ids[0])
		return err == nil && task.State == types.TaskStateAssigned
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSelectWorker(t *testing.T) {
	w1 := &types.Worker{ID: "w1"}
	w2 := &types.Worker{ID: "w2"}
	w3 := &types.Worker{ID: "w3"}

	tests := []struct {
		name       string
		candidates []*types.Worker
		load       map[string]int
		expected   *types.Worker
	}{
		{"no candidates", nil, nil, nil},
		{"single candidate", []*types.Worker{w1}, map[string]int{"w1": 10}, w1},
		{"least loaded", []*types.Worker{w1, w2, w3}, map[string]int{"w1": 3, "w2": 1, "w3": 2}, w2},
		{"tie goes to first", []*types.Worker{w1, w2}, map[string]int{}, w1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, selectWorker(tt.candidates, tt.load))
		})
	}
}

func TestReadyWorkersByAccount(t *testing.T) {
	workers := []*types.Worker{
		{ID: "b", AccountID: "acc1", Status: types.WorkerStatusReady},
		{ID: "a", AccountID: "acc1", Status: types.WorkerStatusReady},
		{ID: "c", AccountID: "acc1", Status: types.WorkerStatusDown},
		{ID: "d", AccountID: "acc2", Status: types.WorkerStatusReady},
	}

	ready := readyWorkersByAccount(workers)
	require.Len(t, ready["acc1"], 2)
	assert.Equal(t, "a", ready["acc1"][0].ID)
	assert.Equal(t, "b", ready["acc1"][1].ID)
	assert.Len(t, ready["acc2"], 1)
}

func TestUnassignedTasksOldestFirst(t *testing.T) {
	now := time.Now()
	tasks := []*types.PerpetualTask{
		{ID: "new", State: types.TaskStateUnassigned, CreatedAt: now},
		{ID: "assigned", State: types.TaskStateAssigned, AssignedWorkerID: "w1", CreatedAt: now.Add(-time.Hour)},
		{ID: "old", State: types.TaskStateUnassigned, CreatedAt: now.Add(-time.Minute)},
		{ID: "paused", State: types.TaskStatePaused, CreatedAt: now.Add(-time.Hour)},
	}

	pending := unassignedTasks(tasks)
	require.Len(t, pending, 2)
	assert.Equal(t, "old", pending[0].ID)
	assert.Equal(t, "new", pending[1].ID)

	assert.Equal(t, map[string]int{"w1": 1}, workerLoad(tasks))
}
