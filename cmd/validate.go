package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/geekxflood/agentxd/config"
	"github.com/geekxflood/agentxd/master"
	"github.com/geekxflood/agentxd/trap"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate checks a configuration file against the schema and reports
the effective listen addresses and trap targets.`,
	Example: `  agentxd validate --config agentxd.yaml`,
	Args:    cobra.NoArgs,
	RunE:    validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, _ []string) error {
	path := configPath()
	if path == "" {
		return errors.New("no configuration file found, specify one with --config")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := checkConfig(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration %s is valid\n", path)
	fmt.Fprintf(out, "  agentx: %s\n", strings.Join(cfg.AgentX.Listen, ", "))
	if cfg.SNMP.Enabled {
		fmt.Fprintf(out, "  snmp:   %s\n", cfg.SNMP.Listen)
	} else {
		fmt.Fprintln(out, "  snmp:   disabled")
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  metrics: %s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	fmt.Fprintf(out, "  traps:  %d target(s)\n", len(cfg.Traps.Targets))
	return nil
}

// checkConfig applies the checks the schema cannot express.
func checkConfig(cfg *config.Config) error {
	for _, addr := range cfg.AgentX.Listen {
		if _, _, err := master.ParseAddress(addr); err != nil {
			return fmt.Errorf("agentx.listen: %w", err)
		}
	}
	targets := make([]trap.Target, len(cfg.Traps.Targets))
	for i, t := range cfg.Traps.Targets {
		targets[i] = trap.Target{Address: t.Address, Version: t.Version, Community: t.Community}
	}
	if _, err := trap.New(trap.Config{Targets: targets}); err != nil {
		return fmt.Errorf("traps.targets: %w", err)
	}
	return nil
}
