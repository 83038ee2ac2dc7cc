package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cuemby/perpetual/pkg/events"
	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/storage"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const (
	defaultApplyTimeout = 5 * time.Second

	// storeAttempts bounds immediate retries of transient store failures
	storeAttempts = 3
)

// PendingRecorder collects (account, worker) pairs whose assignment set
// changed. The broadcast coalescer implements it.
type PendingRecorder interface {
	Add(accountID, workerID string)
}

// Manager is the perpetual task control plane. It owns the task lifecycle
// and is the only writer of the task record store.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	inMemory bool

	raft         *raft.Raft
	fsm          *TaskFSM
	store        storage.Store
	registry     *registry.Registry
	tokenManager *TokenManager
	crudEvents   *events.Broker
	stateEvents  *events.Broker
	applyTimeout time.Duration

	pendingMu sync.RWMutex
	pending   PendingRecorder

	logger zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// InMemory keeps raft logs and transport in memory. The task store
	// still lives in DataDir.
	InMemory bool

	// Registry provides param builders for GetExecutionContext
	Registry *registry.Registry

	// Pending receives assignment change pairs; may be set later
	Pending PendingRecorder

	ApplyTimeout time.Duration
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	// Create BoltDB store
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}

	applyTimeout := cfg.ApplyTimeout
	if applyTimeout == 0 {
		applyTimeout = defaultApplyTimeout
	}

	crudEvents := events.NewBroker()
	crudEvents.OnDrop = func(*events.Event) { metrics.EventsDropped.WithLabelValues("crud").Inc() }
	crudEvents.Start()

	stateEvents := events.NewBroker()
	stateEvents.OnDrop = func(*events.Event) { metrics.EventsDropped.WithLabelValues("state").Inc() }
	stateEvents.Start()

	m := &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		inMemory:     cfg.InMemory,
		fsm:          NewTaskFSM(store),
		store:        store,
		registry:     reg,
		tokenManager: NewTokenManager(),
		crudEvents:   crudEvents,
		stateEvents:  stateEvents,
		applyTimeout: applyTimeout,
		pending:      cfg.Pending,
		logger:       log.WithComponent("manager"),
	}

	return m, nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = log.Writer(m.logger.With().Str("subsystem", "raft").Logger())

	// Tuned for LAN failover in a few seconds. Defaults are 1s/1s/500ms.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
		transport   raft.Transport
	)

	if m.inMemory {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshots = raft.NewInmemSnapshotStore()
		_, transport = raft.NewInmemTransport(raft.ServerAddress(m.nodeID))
	} else {
		// Setup Raft communication
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %v", err)
		}
		var advertise net.Addr = addr
		if addr.Port == 0 {
			// Let the transport advertise the port it actually bound
			advertise = nil
		}

		tcp, err := raft.NewTCPTransport(m.bindAddr, advertise, 3, 10*time.Second, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create transport: %v", err)
		}
		transport = tcp

		snapshots, err = raft.NewFileSnapshotStore(m.dataDir, 2, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %v", err)
		}

		// Create log store and stable store using BoltDB
		boltLogs, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %v", err)
		}
		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			return fmt.Errorf("failed to create stable store: %v", err)
		}
		logStore, stableStore = boltLogs, boltStable
	}

	// An existing state directory means we are restarting, not bootstrapping
	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %v", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %v", err)
	}
	m.raft = r

	if hasState {
		m.logger.Info().Msg("Recovered existing raft state")
		return nil
	}

	// Bootstrap cluster with this node as the only member
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	m.logger.Info().
		Str("node_id", m.nodeID).
		Str("address", string(transport.LocalAddr())).
		Msg("Bootstrapped control plane")
	return nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// WaitForLeader blocks until this manager leads or timeout elapses
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsLeader() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return ErrNotLeader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()

	return stats
}

// CRUDEvents returns the task lifecycle event stream
func (m *Manager) CRUDEvents() *events.Broker {
	return m.crudEvents
}

// StateEvents returns the task assignment event stream
func (m *Manager) StateEvents() *events.Broker {
	return m.stateEvents
}

// Tokens returns the worker token manager
func (m *Manager) Tokens() *TokenManager {
	return m.tokenManager
}

// Registry returns the task type registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// SetPendingRecorder sets where assignment change pairs are recorded
func (m *Manager) SetPendingRecorder(p PendingRecorder) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pending = p
}

func (m *Manager) recordPending(accountID, workerID string) {
	if workerID == "" {
		return
	}
	m.pendingMu.RLock()
	p := m.pending
	m.pendingMu.RUnlock()
	if p != nil {
		p.Add(accountID, workerID)
	}
}

// Apply submits a command to the Raft cluster and returns the FSM's result
func (m *Manager) Apply(cmd Command) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return nil, ErrNotLeader
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %v", err)
	}

	future := m.raft.Apply(data, m.applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, ErrNotLeader
		}
		return nil, fmt.Errorf("failed to apply command: %v", err)
	}

	// Check if apply returned an error
	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}

	return resp, nil
}

func (m *Manager) applyOp(op string, payload interface{}) (interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return m.Apply(Command{Op: op, Data: data})
}

func (m *Manager) applyTask(op string, payload interface{}) (*taskResult, error) {
	resp, err := m.applyOp(op, payload)
	if err != nil {
		return nil, err
	}
	res, ok := resp.(*taskResult)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result %T", op, resp)
	}
	return res, nil
}

// withRetry runs fn up to storeAttempts times without delay. Errors that a
// retry cannot fix are returned immediately.
func (m *Manager) withRetry(op string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		if attempt < storeAttempts {
			metrics.StoreRetries.WithLabelValues(op).Inc()
			m.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Store operation failed, retrying")
		}
		return err
	}, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, storeAttempts-1))
}

func isPermanent(err error) bool {
	for _, target := range []error{
		ErrNotLeader,
		ErrInvalidArgument,
		ErrNoAccount,
		types.ErrTaskNotFound,
		types.ErrInvalidSchedule,
		types.ErrInvalidClientContext,
		types.ErrMalformedBundle,
		types.ErrAssignmentInvariant,
		registry.ErrUnknownTaskType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	m.crudEvents.Stop()
	m.stateEvents.Stop()

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %v", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}

	return nil
}
