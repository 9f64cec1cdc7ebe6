package main

import (
	"fmt"
	"os"

	"github.com/cuemby/membersync/pkg/config"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/spf13/cobra"
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
	Use:   "membersync",
	Short: "Membersync - keep identity provider roles in step with membership",
	Long: `Membersync mirrors member records into an external identity provider.

Role changes are planned by the reconciler, recorded as batch tasks and
applied by a retrying worker loop. One binary runs the worker, the HTTP
API, or both, and doubles as a client for a running server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Membersync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "localhost:8080", "API address used by client commands")

	// Server commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(backupCmd)

	// Client commands
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(memberCmd)
	rootCmd.AddCommand(archiveCmd)
}

// loadConfig reads --config, applies --log-level and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.Log.JSON})
	return cfg, nil
}
