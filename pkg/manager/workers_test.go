package manager

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/events"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterWorker(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.RegisterWorker(context.Background(), "w1", "host-1")
	assert.ErrorIs(t, err, ErrNoAccount)

	ctx := WithAccount(context.Background(), "acc1")
	worker, err := mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)
	assert.Equal(t, "acc1", worker.AccountID)
	assert.Equal(t, types.WorkerStatusReady, worker.Status)

	stored, err := mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", stored.Hostname)

	// A worker id cannot be claimed by another account
	_, err = mgr.RegisterWorker(WithAccount(context.Background(), "acc2"), "w1", "host-2")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	workers, err := mgr.ListWorkersByAccount("acc1")
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestWorkerHeartbeat(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := WithAccount(context.Background(), "acc1")

	err := mgr.WorkerHeartbeat(ctx, "unknown")
	assert.True(t, IsWorkerNotFound(err))

	_, err = mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)
	first, err := mgr.GetWorker("w1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mgr.WorkerHeartbeat(ctx, "w1"))

	second, err := mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))

	// Another account sees the worker as unknown
	err = mgr.WorkerHeartbeat(WithAccount(context.Background(), "acc2"), "w1")
	assert.True(t, IsWorkerNotFound(err))
}

func TestMarkWorkerDownRebalances(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := WithAccount(context.Background(), "acc1")

	_, err := mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)

	id := createDemo(t, mgr, "acc1", nil)
	_, err = mgr.AppointWorker(ctx, "acc1", id, "w1", 0)
	require.NoError(t, err)

	sub := mgr.CRUDEvents().Subscribe()
	defer mgr.CRUDEvents().Unsubscribe(sub)

	marked, err := mgr.MarkWorkerDown(context.Background(), "w1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, marked)

	worker, err := mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusDown, worker.Status)

	task := getTask(t, mgr, id)
	assert.Equal(t, types.TaskStateUnassigned, task.State)
	assert.Equal(t, types.ReasonWorkerDisconnected, task.UnassignedReason)

	var seen []events.EventType
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-sub:
			// Earlier registration and create events may still be in flight
			if e.Type == events.EventWorkerDisconnected || e.Type == events.EventTaskRebalanceRequired {
				seen = append(seen, e.Type)
			}
		case <-timeout:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	assert.Equal(t, []events.EventType{events.EventWorkerDisconnected, events.EventTaskRebalanceRequired}, seen)

	// Already down is a no-op
	marked, err = mgr.MarkWorkerDown(context.Background(), "w1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, marked)

	// A heartbeat brings it back
	require.NoError(t, mgr.WorkerHeartbeat(ctx, "w1"))
	worker, err = mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, worker.Status)
}

func TestMarkWorkerDownSkipsFreshHeartbeat(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := WithAccount(context.Background(), "acc1")

	_, err := mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)
	id := createDemo(t, mgr, "acc1", nil)
	_, err = mgr.AppointWorker(ctx, "acc1", id, "w1", 0)
	require.NoError(t, err)

	// The reconciler judged w1 stale, then a heartbeat landed first
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mgr.WorkerHeartbeat(ctx, "w1"))

	marked, err := mgr.MarkWorkerDown(context.Background(), "w1", cutoff)
	require.NoError(t, err)
	assert.False(t, marked)

	worker, err := mgr.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusReady, worker.Status)

	task := getTask(t, mgr, id)
	assert.Equal(t, types.TaskStateAssigned, task.State)
	assert.Equal(t, "w1", task.AssignedWorkerID)

	_, err = mgr.MarkWorkerDown(context.Background(), "missing", cutoff)
	assert.True(t, IsWorkerNotFound(err))
}

func TestDeregisterWorker(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := WithAccount(context.Background(), "acc1")

	_, err := mgr.RegisterWorker(ctx, "w1", "host-1")
	require.NoError(t, err)
	id := createDemo(t, mgr, "acc1", nil)
	_, err = mgr.AppointWorker(ctx, "acc1", id, "w1", 0)
	require.NoError(t, err)

	require.NoError(t, mgr.DeregisterWorker(ctx, "w1"))

	_, err = mgr.GetWorker("w1")
	assert.True(t, IsWorkerNotFound(err))
	assert.Equal(t, types.TaskStateUnassigned, getTask(t, mgr, id).State)
}

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager()

	_, err := tm.GenerateToken("", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	tok, err := tm.GenerateToken("acc1", time.Hour)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 64)

	account, err := tm.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "acc1", account)

	_, err = tm.ValidateToken("nope")
	assert.ErrorIs(t, err, ErrInvalidToken)

	tm.RevokeToken(tok.Token)
	_, err = tm.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tm.AddToken("static", "acc2")
	account, err = tm.ValidateToken("static")
	require.NoError(t, err)
	assert.Equal(t, "acc2", account)
}

func TestTokenExpiry(t *testing.T) {
	tm := NewTokenManager()

	tok, err := tm.GenerateToken("acc1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = tm.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	tm.CleanupExpiredTokens()
	_, err = tm.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
