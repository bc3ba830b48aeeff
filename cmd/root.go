// Package cmd provides the command-line interface for agentxd.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/geekxflood/agentxd/config"
	"github.com/geekxflood/agentxd/internal/app"
	"github.com/geekxflood/agentxd/logging"
)

var (
	cfgFile string
	version = "dev" // set by build flags
)

var rootCmd = &cobra.Command{
	Use:     "agentxd",
	Version: version,
	Short:   "SNMP master agent with AgentX subagent support",
	Long: `agentxd answers SNMP requests by routing them to AgentX subagents
that registered the requested parts of the MIB, and forwards their
notifications as traps.`,
	Example: `  # Run with the first configuration file found in the search path
  agentxd

  # Run with a specific configuration file
  agentxd --config /etc/agentxd/agentxd.yaml

  # Check a configuration file
  agentxd validate --config agentxd.yaml`,
	SilenceUsage: true,
	RunE:         runServer,
}

// Execute runs the root command. It is called once by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file path")
}

// configPath returns the --config flag or the first file in the search
// path. It is empty when neither exists.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.Find()
}

func runServer(cmd *cobra.Command, _ []string) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logging.Shutdown() }()
	logger := logging.GetLogger()

	if path == "" {
		logger.Info("no configuration file found, using defaults")
	} else {
		logger.Info("loaded configuration", "path", path)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path != "" {
		watcher, err := watch(ctx, path, a, logger)
		if err != nil {
			logger.Warn("configuration hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	return a.Run(ctx)
}

func watch(ctx context.Context, path string, a *app.App, logger logging.Logger) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, logger)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(cfg *config.Config, err error) {
		if err != nil {
			logger.Error("keeping previous configuration", "error", err)
			return
		}
		if err := a.Reload(cfg); err != nil {
			logger.Error("failed to apply configuration", "error", err)
		}
	})
	if err := w.Start(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}
