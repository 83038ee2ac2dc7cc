package main

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
apiVersion: perpetual/v1
kind: PerpetualTask
metadata:
  name: probe
spec:
  type: http-probe
  account: acc1
  interval: 1m
  timeout: 5s
  params:
    url: https://example.com
---
apiVersion: perpetual/v1
kind: PerpetualTask
metadata:
  name: demo
spec:
  type: demo
  account: acc1
  interval: 30s
  timeout: 1s
  paused: true
`

func TestParseManifests(t *testing.T) {
	resources, err := parseManifests([]byte(manifest))
	require.NoError(t, err)
	require.Len(t, resources, 2)

	probe := resources[0].request()
	assert.Equal(t, "http-probe", probe.TaskType)
	assert.Equal(t, "acc1", probe.AccountID)
	assert.Equal(t, "probe", probe.Description)
	assert.Equal(t, types.Schedule{IntervalSeconds: 60, TimeoutMillis: 5000}, probe.Schedule)
	assert.Equal(t, map[string]string{"url": "https://example.com"}, probe.Params)

	demo := resources[1].request()
	assert.NotNil(t, demo.Params)
	assert.True(t, resources[1].Spec.Paused)
}

func TestParseManifestsRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown kind", "kind: Service\nspec:\n  type: demo\n  account: a\n"},
		{"missing account", "kind: PerpetualTask\nspec:\n  type: demo\n"},
		{"bad yaml", "kind: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseManifests([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

type fakeTaskClient struct {
	taskClient
	created []*api.CreateTaskRequest
	paused  []string
}

func (f *fakeTaskClient) CreateTask(ctx context.Context, req *api.CreateTaskRequest) (string, error) {
	f.created = append(f.created, req)
	return "id-" + req.Description, nil
}

func (f *fakeTaskClient) PauseTask(ctx context.Context, accountID, taskID string) (bool, error) {
	f.paused = append(f.paused, taskID)
	return true, nil
}

func TestApplyTaskPausesWhenAsked(t *testing.T) {
	resources, err := parseManifests([]byte(manifest))
	require.NoError(t, err)

	fake := &fakeTaskClient{}
	for i := range resources {
		require.NoError(t, applyTask(context.Background(), fake, &resources[i]))
	}
	assert.Len(t, fake.created, 2)
	assert.Equal(t, []string{"id-demo"}, fake.paused)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"url=https://x/?a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"url": "https://x/?a=b", "empty": ""}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
}

func TestScheduleFrom(t *testing.T) {
	assert.Equal(t, types.Schedule{IntervalSeconds: 90, TimeoutMillis: 1500},
		scheduleFrom(90*time.Second, 1500*time.Millisecond))
}
