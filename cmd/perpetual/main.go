package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/cuemby/perpetual/pkg/client"
	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perpetual",
	Short: "Perpetual - control plane for recurring polling tasks",
	Long: `Perpetual schedules long-lived polling tasks onto account-scoped
workers. The manager persists tasks and assigns them; workers run each
task on its interval and report results back as heartbeats.

Every flag can also be set with a PERPETUAL_ environment variable
(e.g. PERPETUAL_MANAGER_ADDR) or in the file given by --config.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Perpetual version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml, json or toml)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Log in JSON")
	pf.String("manager-addr", "127.0.0.1:7950", "Manager API address")
	pf.String("token", "", "Bearer token: the admin token for operators, a worker token for workers")
	pf.String("ca-file", "", "CA certificate for TLS connections to the manager")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(applyCmd)
}

// initConfig layers config file, PERPETUAL_* environment and flags into
// viper and sets up logging
func initConfig(cmd *cobra.Command, args []string) error {
	viper.SetEnvPrefix("PERPETUAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	log.Init(log.Config{
		Level:      log.Level(viper.GetString("log-level")),
		JSONOutput: viper.GetBool("log-json"),
		Output:     os.Stderr,
	})
	api.Version = Version
	metrics.SetVersion(Version)
	return nil
}

// newClient connects to the manager named by --manager-addr
func newClient() (*client.Client, error) {
	return client.NewClient(viper.GetString("manager-addr"), client.Options{
		Token:  viper.GetString("token"),
		CAFile: viper.GetString("ca-file"),
	})
}
