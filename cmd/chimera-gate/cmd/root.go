// Package cmd provides the CLI commands for Chimera Gate.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	scenarioName string
)

var rootCmd = &cobra.Command{
	Use:   "chimera-gate",
	Short: "Chimera Gate - deceptive security gateway for agent tool calls",
	Long: `Chimera Gate sits between an AI agent and its tool server. Every tool
call is risk-assessed, stamped with a signed warrant, and routed to the
production environment, a shadow environment serving synthetic data, or
denied outright. All decisions land in a hash-chained forensic ledger.

Configuration:
  Config is loaded from config/base.yaml (override with --config), with an
  optional scenario overlay selected by --scenario or CHIMERA_SCENARIO.

  Environment variables override scalar keys with the CHIMERA_ prefix.
  Example: CHIMERA_SERVER_HTTP_ADDR=:9090

Commands:
  run            Start the gateway in front of the tool server
  backend        Start the warrant-verifying data plane
  keygen         Generate the dual RSA key pairs
  verify-ledger  Audit the forensic ledger hash chain
  version        Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config/base.yaml)")
	rootCmd.PersistentFlags().StringVar(&scenarioName, "scenario", "", "scenario overlay name (default: $CHIMERA_SCENARIO)")
}

// newLogger builds the process logger. Logs go to stderr because stdout
// carries protocol frames in stdio mode.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
