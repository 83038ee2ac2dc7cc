package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")

	RegisterComponent("api", true, "")
	RegisterComponent("raft", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	UpdateComponent("raft", false, "not leader")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: not leader", health.Components["raft"])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		critical   []string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "manager ready",
			components: map[string]bool{"raft": true, "api": true},
			wantStatus: "ready",
		},
		{
			name:       "raft missing",
			components: map[string]bool{"api": true},
			wantStatus: "not_ready",
		},
		{
			name:       "raft unhealthy",
			components: map[string]bool{"raft": false, "api": true},
			wantStatus: "not_ready",
		},
		{
			name:       "worker ready",
			critical:   []string{"manager"},
			components: map[string]bool{"manager": true},
			wantStatus: "ready",
		},
		{
			name:       "worker ignores raft",
			critical:   []string{"manager"},
			components: map[string]bool{"manager": true, "raft": false},
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			if tt.critical != nil {
				SetCriticalComponents(tt.critical...)
			}
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			if tt.wantStatus != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	resetHealth(t)
	RegisterComponent("raft", true, "")
	RegisterComponent("api", false, "listener closed")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	UpdateComponent("api", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
