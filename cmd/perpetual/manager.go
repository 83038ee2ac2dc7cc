package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/cuemby/perpetual/pkg/broadcast"
	"github.com/cuemby/perpetual/pkg/executors"
	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/cuemby/perpetual/pkg/reconciler"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/scheduler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the control plane",
	Long: `Run the perpetual task manager: the task record store behind a
single-node Raft log, the scheduler, the reconciler, the broadcast
coalescer, the gRPC API and the health endpoints.`,
	RunE: runManager,
}

func init() {
	f := managerCmd.Flags()
	f.String("node-id", "manager-1", "Unique node ID")
	f.String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	f.String("api-addr", "127.0.0.1:7950", "Address for the gRPC API")
	f.String("health-addr", "127.0.0.1:9090", "Address for /health, /ready and /metrics")
	f.String("data-dir", "./perpetual-data", "Data directory for the task store and Raft log")
	f.Bool("in-memory", false, "Keep the Raft log in memory")
	f.String("admin-token", "", "Token required on administrative calls")
	f.String("tls-cert", "", "TLS certificate for the gRPC API")
	f.String("tls-key", "", "TLS private key for the gRPC API")
	f.StringSlice("worker-tokens", nil, "Pre-shared worker tokens as token=account")
	f.Duration("schedule-interval", 0, "Scheduler pass interval (default 5s)")
	f.Duration("reconcile-interval", 0, "Reconciler cycle interval (default 10s)")
	f.Duration("heartbeat-timeout", 0, "Worker silence before it is marked down (default 30s)")
	f.Duration("broadcast-interval", 0, "Coalescer flush interval (default 5s)")
}

func runManager(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	reg := registry.New()
	if err := executors.RegisterDefaults(reg); err != nil {
		return err
	}

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   viper.GetString("node-id"),
		BindAddr: viper.GetString("bind-addr"),
		DataDir:  viper.GetString("data-dir"),
		InMemory: viper.GetBool("in-memory"),
		Registry: reg,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %v", err)
	}
	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap: %v", err)
	}

	for _, entry := range viper.GetStringSlice("worker-tokens") {
		token, account, ok := strings.Cut(entry, "=")
		if !ok || token == "" || account == "" {
			return fmt.Errorf("invalid worker token %q, want token=account", entry)
		}
		mgr.Tokens().AddToken(token, account)
	}

	metrics.SetCriticalComponents("raft", "api")
	metrics.RegisterComponent("raft", true, "")

	apiServer, err := api.NewServer(mgr, api.Config{
		AdminToken:  viper.GetString("admin-token"),
		TLSCertFile: viper.GetString("tls-cert"),
		TLSKeyFile:  viper.GetString("tls-key"),
	})
	if err != nil {
		_ = mgr.Shutdown()
		return err
	}

	coalescer := broadcast.New(apiServer.Hub(), broadcast.Config{
		Interval: viper.GetDuration("broadcast-interval"),
	})
	mgr.SetPendingRecorder(coalescer)
	coalescer.Start()

	sched := scheduler.NewScheduler(mgr, scheduler.Config{
		Interval: viper.GetDuration("schedule-interval"),
	})
	sched.Start()

	recon := reconciler.NewReconciler(mgr, reconciler.Config{
		Interval:         viper.GetDuration("reconcile-interval"),
		HeartbeatTimeout: viper.GetDuration("heartbeat-timeout"),
	})
	recon.Start()

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(viper.GetString("api-addr")); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	metrics.RegisterComponent("api", true, "")

	health := api.NewHealthServer(mgr)
	go func() {
		if err := health.Start(viper.GetString("health-addr")); err != nil {
			errCh <- fmt.Errorf("health server error: %v", err)
		}
	}()

	logger.Info().
		Str("node_id", viper.GetString("node-id")).
		Str("api_addr", viper.GetString("api-addr")).
		Str("health_addr", viper.GetString("health-addr")).
		Msg("Manager is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Shutting down")
	}

	sched.Stop()
	recon.Stop()
	collector.Stop()
	apiServer.Stop()
	coalescer.Stop()
	_ = health.Shutdown()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
