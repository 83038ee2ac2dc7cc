package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		cc      ClientContext
		wantErr bool
	}{
		{name: "params", cc: ParamsContext(map[string]string{"k": "v"})},
		{name: "empty params", cc: ParamsContext(nil)},
		{name: "bundle", cc: BundleContext([]byte(`{"params":"AA=="}`))},
		{name: "neither", cc: ClientContext{}, wantErr: true},
		{name: "both", cc: ClientContext{Params: map[string]string{}, Bundle: []byte("x")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cc.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidClientContext)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientContextKeyIsOrderIndependent(t *testing.T) {
	a := ParamsContext(map[string]string{"a": "1", "b": "2", "c": "3"})
	b := ParamsContext(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a.Key(), b.Key())

	c := ParamsContext(map[string]string{"a": "1", "b": "2"})
	assert.NotEqual(t, a.Key(), c.Key())

	// "ab"+"c" must not collide with "a"+"bc"
	d := ParamsContext(map[string]string{"ab": "c"})
	e := ParamsContext(map[string]string{"a": "bc"})
	assert.NotEqual(t, d.Key(), e.Key())

	assert.NotEqual(t, ParamsContext(nil).Key(), BundleContext([]byte{}).Key())
}

func TestAppoint(t *testing.T) {
	tests := []struct {
		name       string
		task       PerpetualTask
		worker     string
		wantOK     bool
		wantState  TaskState
		wantWorker string
	}{
		{
			name:       "unassigned to assigned",
			task:       PerpetualTask{State: TaskStateUnassigned, UnassignedReason: ReasonReset},
			worker:     "w1",
			wantOK:     true,
			wantState:  TaskStateAssigned,
			wantWorker: "w1",
		},
		{
			name:       "already assigned to same worker",
			task:       PerpetualTask{State: TaskStateAssigned, AssignedWorkerID: "w1"},
			worker:     "w1",
			wantOK:     true,
			wantState:  TaskStateAssigned,
			wantWorker: "w1",
		},
		{
			name:       "assigned to another worker",
			task:       PerpetualTask{State: TaskStateAssigned, AssignedWorkerID: "w2"},
			worker:     "w1",
			wantOK:     false,
			wantState:  TaskStateAssigned,
			wantWorker: "w2",
		},
		{
			name:      "paused cannot be appointed",
			task:      PerpetualTask{State: TaskStatePaused, UnassignedReason: ReasonPaused},
			worker:    "w1",
			wantOK:    false,
			wantState: TaskStatePaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			ok := task.Appoint(tt.worker, 10)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantState, task.State)
			assert.Equal(t, tt.wantWorker, task.AssignedWorkerID)
			assert.NoError(t, task.CheckInvariant())
		})
	}
}

func TestAppointClearsReasonAndBumpsVersion(t *testing.T) {
	task := PerpetualTask{State: TaskStateUnassigned, UnassignedReason: ReasonWorkerDisconnected, LastContextUpdated: 100}

	require.True(t, task.Appoint("w1", 50))
	assert.Equal(t, ReasonNone, task.UnassignedReason)
	assert.Equal(t, int64(100), task.LastContextUpdated, "context version must never go backwards")

	task.Unassign(ReasonReset)
	require.True(t, task.Appoint("w1", 200))
	assert.Equal(t, int64(200), task.LastContextUpdated)
}

func TestPauseAndUnassign(t *testing.T) {
	task := PerpetualTask{State: TaskStateAssigned, AssignedWorkerID: "w1"}

	prev := task.Pause()
	assert.Equal(t, "w1", prev)
	assert.Equal(t, TaskStatePaused, task.State)
	assert.Equal(t, ReasonPaused, task.UnassignedReason)
	assert.NoError(t, task.CheckInvariant())

	prev = task.Unassign(ReasonReset)
	assert.Empty(t, prev)
	assert.Equal(t, TaskStateUnassigned, task.State)
	assert.NoError(t, task.CheckInvariant())
}

func TestCheckInvariant(t *testing.T) {
	bad := PerpetualTask{State: TaskStateUnassigned, AssignedWorkerID: "w1"}
	assert.ErrorIs(t, bad.CheckInvariant(), ErrAssignmentInvariant)

	bad = PerpetualTask{State: TaskStateAssigned}
	assert.ErrorIs(t, bad.CheckInvariant(), ErrAssignmentInvariant)
}

func TestDecodeExecutionBundle(t *testing.T) {
	data, err := EncodeExecutionBundle(ExecutionBundle{Params: []byte("payload"), Capabilities: []string{"http"}})
	require.NoError(t, err)

	b, err := DecodeExecutionBundle(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), b.Params)
	assert.Equal(t, []string{"http"}, b.Capabilities)

	malformed := [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"params":"AA==","unknown":1}`),
		[]byte(`{"capabilities":["x"]}`),
		[]byte(`{"params":"AA=="} {}`),
	}
	for _, m := range malformed {
		_, err := DecodeExecutionBundle(m)
		assert.True(t, errors.Is(err, ErrMalformedBundle), "input %q", m)
	}
}

func TestScheduleValidate(t *testing.T) {
	assert.NoError(t, Schedule{IntervalSeconds: 60, TimeoutMillis: 5000}.Validate())
	assert.ErrorIs(t, Schedule{IntervalSeconds: 0, TimeoutMillis: 5000}.Validate(), ErrInvalidSchedule)
	assert.ErrorIs(t, Schedule{IntervalSeconds: 60}.Validate(), ErrInvalidSchedule)
}
