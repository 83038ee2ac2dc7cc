package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/metrics"
)

// Version is reported by /health. It is set at build time.
var Version = "dev"

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	manager *manager.Manager
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(mgr *manager.Manager) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		manager: mgr,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/health/components", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves the endpoints on addr until Shutdown
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err := hs.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server
func (hs *HealthServer) Shutdown() error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Close()
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is the liveness check: 200 while the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

// readyHandler checks that raft has a leader and the task store answers.
// Results are also recorded in the component health registry.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.manager == nil {
		checks["raft"] = "not initialized"
		checks["storage"] = "not initialized"
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:    "not ready",
			Timestamp: time.Now(),
			Checks:    checks,
			Message:   "Manager not initialized",
		})
		return
	}

	switch {
	case hs.manager.IsLeader():
		checks["raft"] = "leader"
	case hs.manager.LeaderAddr() != "":
		checks["raft"] = fmt.Sprintf("follower (leader: %s)", hs.manager.LeaderAddr())
	default:
		checks["raft"] = "no leader elected"
		ready = false
		message = "Waiting for leader election"
	}
	metrics.UpdateComponent("raft", ready, checks["raft"])

	if _, err := hs.manager.ListTasks(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Task store not accessible"
		}
		metrics.UpdateComponent("storage", false, err.Error())
	} else {
		checks["storage"] = "ok"
		metrics.UpdateComponent("storage", true, "")
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
