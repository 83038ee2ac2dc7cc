package reconciler

import (
	"context"
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

func assignedTask(t *testing.T, mgr *manager.Manager, account, worker string) string {
	t.Helper()
	ctx := context.Background()
	id, err := mgr.CreateTask(ctx, executors.TypeDemo, account,
		types.ParamsContext(map[string]string{"worker": worker}),
		types.Schedule{IntervalSeconds: 60, TimeoutMillis: 1000}, false, "")
	require.NoError(t, err)
	ok, err := mgr.AppointWorker(ctx, account, id, worker, 0)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestStaleWorkerMarkedDown(t *testing.T) {
	mgr := newTestManager(t)
	ctx := manager.WithAccount(context.Background(), "acc1")

	_, err := mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)
	_, err = mgr.RegisterWorker(ctx, "w2", "host-2")
	require.NoError(t, err)
	stale := assignedTask(t, mgr, "acc1", "w1")
	fresh := assignedTask(t, mgr, "acc1", "w2")

	r := NewReconciler(mgr, Config{HeartbeatTimeout: 200 * time.Millisecond})

	// w1 goes silent while w2 keeps heartbeating
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, mgr.WorkerHeartbeat(ctx, "w2"))

	require.NoError(t, r.reconcile(context.Background()))

	w1, err := mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusDown, w1.Status)

	task, err := mgr.GetTaskRecord(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateUnassigned, task.State)
	assert.Equal(t, types.ReasonWorkerDisconnected, task.UnassignedReason)

	task, err = mgr.GetTaskRecord(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, "w2", task.AssignedWorkerID)
}

func TestHealthyWorkersUntouched(t *testing.T) {
	mgr := newTestManager(t)
	ctx := manager.WithAccount(context.Background(), "acc1")

	_, err := mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)
	id := assignedTask(t, mgr, "acc1", "w1")

	r := NewReconciler(mgr, Config{})
	require.NoError(t, r.reconcile(context.Background()))

	w1, err := mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, w1.Status)

	task, err := mgr.GetTaskRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAssigned, task.State)
}

func TestOrphanedAssignmentsReleased(t *testing.T) {
	mgr := newTestManager(t)

	// Assigned to a worker that never registered
	id := assignedTask(t, mgr, "acc1", "ghost")

	r := NewReconciler(mgr, Config{})
	require.NoError(t, r.reconcile(context.Background()))

	task, err := mgr.GetTaskRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateUnassigned, task.State)
	assert.Empty(t, task.AssignedWorkerID)
}

func TestStopIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	r := NewReconciler(mgr, Config{Interval: time.Hour})
	r.Start()
	r.Stop()
	r.Stop()
}
