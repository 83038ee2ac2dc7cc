package executors

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, reg *registry.Registry, taskType string, cc map[string]string) []byte {
	t.Helper()
	b, err := reg.ParamBuilder(taskType)
	require.NoError(t, err)
	params, err := b.BuildParams(context.Background(), cc)
	require.NoError(t, err)
	return params
}

func run(t *testing.T, reg *registry.Registry, taskType string, params []byte) (*types.TaskResponse, error) {
	t.Helper()
	exec, err := reg.Executor(taskType)
	require.NoError(t, err)
	return exec.RunOnce(context.Background(), "task-1", params, time.Now())
}

func TestRegisterDefaults(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg))
	assert.Equal(t, []string{TypeDemo, TypeHTTPProbe, TypeTCPProbe}, reg.Types())

	// Registering twice collides
	assert.ErrorIs(t, RegisterDefaults(reg), registry.ErrAlreadyRegistered)
}

func TestDemoExecutor(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg))

	params := build(t, reg, TypeDemo, map[string]string{"b": "2", "a": "1"})
	resp, err := run(t, reg, TypeDemo, params)
	require.NoError(t, err)
	assert.Equal(t, types.ResponseCodeOK, resp.Code)
	assert.Equal(t, "a=1,b=2", resp.Message)

	// Stable across runs
	again, err := run(t, reg, TypeDemo, params)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
}

func TestHTTPExecutor(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg))

	tests := []struct {
		name     string
		status   int
		cc       map[string]string
		wantCode int
	}{
		{"healthy", http.StatusOK, nil, types.ResponseCodeOK},
		{"unhealthy", http.StatusInternalServerError, nil, http.StatusInternalServerError},
		{"custom range", http.StatusCreated, map[string]string{"status_min": "200", "status_max": "299"}, types.ResponseCodeOK},
		{"outside custom range", http.StatusFound, map[string]string{"status_min": "200", "status_max": "299"}, http.StatusFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			cc := map[string]string{"url": server.URL}
			for k, v := range tt.cc {
				cc[k] = v
			}

			resp, err := run(t, reg, TypeHTTPProbe, build(t, reg, TypeHTTPProbe, cc))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestHTTPExecutorHeaders(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "perpetual" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	params := build(t, reg, TypeHTTPProbe, map[string]string{
		"url":            server.URL,
		"header.X-Probe": "perpetual",
	})

	var p HTTPParams
	require.NoError(t, json.Unmarshal(params, &p))
	assert.Equal(t, "perpetual", p.Headers["X-Probe"])

	resp, err := run(t, reg, TypeHTTPProbe, params)
	require.NoError(t, err)
	assert.Equal(t, types.ResponseCodeOK, resp.Code)
}

func TestHTTPExecutorHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	params, err := json.Marshal(HTTPParams{URL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = NewHTTPExecutor().RunOnce(ctx, "task-1", params, time.Now())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBuildParamsValidation(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg))

	for _, tt := range []struct {
		taskType string
		cc       map[string]string
	}{
		{TypeHTTPProbe, map[string]string{}},
		{TypeHTTPProbe, map[string]string{"url": "http://x", "status_min": "abc"}},
		{TypeTCPProbe, map[string]string{}},
	} {
		b, err := reg.ParamBuilder(tt.taskType)
		require.NoError(t, err)
		_, err = b.BuildParams(context.Background(), tt.cc)
		assert.Error(t, err, "%s %v", tt.taskType, tt.cc)
	}
}

func TestTCPExecutor(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	params := build(t, reg, TypeTCPProbe, map[string]string{"address": listener.Addr().String()})
	resp, err := run(t, reg, TypeTCPProbe, params)
	require.NoError(t, err)
	assert.Equal(t, types.ResponseCodeOK, resp.Code)

	// Closed port fails
	listener.Close()
	_, err = run(t, reg, TypeTCPProbe, params)
	assert.Error(t, err)
}
