package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/perpetual/pkg/executors"
	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent",
	Long: `Run a worker that executes the perpetual tasks assigned to it.

The worker authenticates with --token, a worker token issued for its
account ("perpetual token create ACCOUNT").`,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.String("worker-id", "", "Unique worker ID (defaults to the hostname)")
	f.String("hostname", "", "Hostname reported to the manager")
	f.Duration("heartbeat-interval", 0, "Worker liveness heartbeat interval (default 10s)")
	f.Duration("sync-interval", 0, "Assignment poll interval (default 30s)")
	f.Duration("cache-ttl", 0, "How long an unchanged task response is suppressed (default 30m)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	if viper.GetString("token") == "" {
		return fmt.Errorf("--token is required")
	}

	hostname := viper.GetString("hostname")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	workerID := viper.GetString("worker-id")
	if workerID == "" {
		workerID = hostname
	}

	reg := registry.New()
	if err := executors.RegisterDefaults(reg); err != nil {
		return err
	}

	cl, err := newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	w, err := worker.NewWorker(&worker.Config{
		WorkerID:          workerID,
		Hostname:          hostname,
		Client:            cl,
		Registry:          reg,
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		SyncInterval:      viper.GetDuration("sync-interval"),
		CacheTTL:          viper.GetDuration("cache-ttl"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info().
		Str("worker_id", workerID).
		Str("manager_addr", viper.GetString("manager-addr")).
		Msg("Worker is running")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	return w.Stop()
}
