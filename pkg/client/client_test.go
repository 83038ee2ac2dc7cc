package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/cuemby/perpetual/pkg/broadcast"
	"github.com/cuemby/perpetual/pkg/executors"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/scheduler"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/cuemby/perpetual/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

var demoSchedule = types.Schedule{IntervalSeconds: 60, TimeoutMillis: 5000}

type testCluster struct {
	mgr *manager.Manager
	srv *api.Server
	lis *bufconn.Listener
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	reg := registry.New()
	require.NoError(t, executors.RegisterDefaults(reg))

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "client-test",
		DataDir:  t.TempDir(),
		InMemory: true,
		Registry: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	require.NoError(t, mgr.Bootstrap())
	require.NoError(t, mgr.WaitForLeader(5*time.Second))

	srv, err := api.NewServer(mgr, api.Config{})
	require.NoError(t, err)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return &testCluster{mgr: mgr, srv: srv, lis: lis}
}

func (c *testCluster) client(t *testing.T, token string) *Client {
	t.Helper()

	opts := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return c.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearer{token: token}))
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)

	cl := NewClientWithConn(conn, Options{Timeout: 5 * time.Second})
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func (c *testCluster) workerClient(t *testing.T, admin *Client, account string) *Client {
	t.Helper()
	tok, err := admin.GenerateToken(context.Background(), account, time.Hour)
	require.NoError(t, err)
	assert.False(t, tok.ExpiresAt.IsZero())
	return c.client(t, tok.Token)
}

func TestAdminCalls(t *testing.T) {
	cluster := newTestCluster(t)
	admin := cluster.client(t, "")
	ctx := context.Background()

	id, err := admin.CreateTask(ctx, &api.CreateTaskRequest{
		TaskType:    executors.TypeDemo,
		AccountID:   "acc1",
		Params:      map[string]string{"k": "v"},
		Schedule:    demoSchedule,
		Description: "demo",
	})
	require.NoError(t, err)

	task, err := admin.GetTaskRecord(ctx, "acc1", id)
	require.NoError(t, err)
	assert.Equal(t, "demo", task.Description)
	assert.Equal(t, map[string]string{"k": "v"}, task.ClientContext.Params)

	taskType, err := admin.GetTaskType(ctx, "", id)
	require.NoError(t, err)
	assert.Equal(t, executors.TypeDemo, taskType)

	tasks, err := admin.ListAllTasksForAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	ok, err := admin.PauseTask(ctx, "acc1", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = admin.ResetTask(ctx, "acc1", id, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err = admin.GetTaskRecord(ctx, "acc1", id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateUnassigned, task.State)

	ok, err = admin.DeleteAllTasksForAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = admin.GetTaskRecord(ctx, "acc1", id)
	assert.True(t, errors.Is(err, types.ErrTaskNotFound))
	assert.True(t, IsNotFound(err))
}

func TestWorkerCalls(t *testing.T) {
	cluster := newTestCluster(t)
	admin := cluster.client(t, "")
	wc := cluster.workerClient(t, admin, "acc1")
	ctx := context.Background()

	assert.True(t, errors.Is(wc.WorkerHeartbeat(ctx, "w1"), worker.ErrNotRegistered))

	require.NoError(t, wc.RegisterWorker(ctx, "w1", "host-a"))
	require.NoError(t, wc.WorkerHeartbeat(ctx, "w1"))

	id, err := admin.CreateTask(ctx, &api.CreateTaskRequest{
		TaskType:  executors.TypeDemo,
		AccountID: "acc1",
		Schedule:  demoSchedule,
	})
	require.NoError(t, err)

	ok, err := admin.AppointWorker(ctx, "acc1", id, "w1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	assigned, err := wc.ListAssignedTasks(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, id, assigned[0].TaskID)

	ec, err := wc.GetExecutionContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, executors.TypeDemo, ec.TaskType)

	_, err = wc.GetExecutionContext(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrTaskNotFound))

	ok, err = wc.TriggerCallback(ctx, id, time.Now().UnixMilli(), types.TaskResponse{Code: types.ResponseCodeOK})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = wc.TriggerCallback(ctx, "missing", time.Now().UnixMilli(), types.TaskResponse{Code: types.ResponseCodeOK})
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := admin.OnWorkerDisconnected(ctx, "acc1", "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, released)

	ok, err = admin.UpdateUnassignedReason(ctx, id, types.ReasonNoWorkerAvailable)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, wc.DeregisterWorker(ctx, "w1"))
	assert.True(t, errors.Is(wc.WorkerHeartbeat(ctx, "w1"), worker.ErrNotRegistered))
}

func TestWatchAssignments(t *testing.T) {
	cluster := newTestCluster(t)
	admin := cluster.client(t, "")
	wc := cluster.workerClient(t, admin, "acc1")
	require.NoError(t, wc.RegisterWorker(context.Background(), "w1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := wc.WatchAssignments(ctx, "w1")
	require.NoError(t, err)

	hub := cluster.srv.Hub()
	require.Eventually(t, func() bool {
		return hub.Subscribers("acc1", "w1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.NotifyAssignmentChanged(context.Background(), "acc1", "w1"))
	select {
	case _, open := <-ch:
		require.True(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

// A real worker, scheduler and coalescer talking to the manager through
// the API
func TestWorkerEndToEnd(t *testing.T) {
	cluster := newTestCluster(t)
	admin := cluster.client(t, "")
	wc := cluster.workerClient(t, admin, "acc1")

	coalescer := broadcast.New(cluster.srv.Hub(), broadcast.Config{Interval: 50 * time.Millisecond})
	cluster.mgr.SetPendingRecorder(coalescer)
	coalescer.Start()
	t.Cleanup(coalescer.Stop)

	sched := scheduler.NewScheduler(cluster.mgr, scheduler.Config{Interval: 100 * time.Millisecond})
	sched.Start()
	t.Cleanup(sched.Stop)

	reg := registry.New()
	require.NoError(t, executors.RegisterDefaults(reg))
	w, err := worker.NewWorker(&worker.Config{
		WorkerID:          "w1",
		Hostname:          "host-a",
		Client:            wc,
		Registry:          reg,
		HeartbeatInterval: time.Second,
		SyncInterval:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return cluster.srv.Hub().Subscribers("acc1", "w1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	id, err := admin.CreateTask(context.Background(), &api.CreateTaskRequest{
		TaskType:  executors.TypeDemo,
		AccountID: "acc1",
		Params:    map[string]string{"hello": "world"},
		Schedule:  types.Schedule{IntervalSeconds: 1, TimeoutMillis: 500},
	})
	require.NoError(t, err)

	// The scheduler assigns, the push wakes the worker and the first run
	// reports a heartbeat well before the one-minute poll
	require.Eventually(t, func() bool {
		task, err := admin.GetTaskRecord(context.Background(), "acc1", id)
		return err == nil &&
			task.State == types.TaskStateAssigned &&
			task.AssignedWorkerID == "w1" &&
			!task.LastHeartbeatAt.IsZero()
	}, 10*time.Second, 50*time.Millisecond)
	assert.Contains(t, w.RunningTasks(), id)

	// Stop assigning first so the released task keeps its reason
	sched.Stop()
	require.NoError(t, w.Stop())

	task, err := admin.GetTaskRecord(context.Background(), "acc1", id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateUnassigned, task.State)
	assert.Equal(t, types.ReasonWorkerDisconnected, task.UnassignedReason)
}
