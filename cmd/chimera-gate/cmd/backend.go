package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chimera-gate/chimeragate/internal/backend"
	"github.com/chimera-gate/chimeragate/internal/config"
	"github.com/chimera-gate/chimeragate/internal/domain/warrant"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Start the warrant-verifying data plane",
	Long: `Start the tool server data plane on stdio. Every tools/call must carry
a warrant signed by the gateway; the warrant's environment claim selects
the production or shadow data stores. Unverifiable calls are denied.

This is the process the gateway spawns when downstream.command points at
"chimera-gate backend".`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, scenarioName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := warrant.LoadVerifyingKeys(cfg.Keys.Dir)
	if err != nil {
		return fmt.Errorf("load verifying keys (run `chimera-gate keygen` first): %w", err)
	}
	verifier := warrant.NewVerifier(keys, logger)

	b, err := backend.New(cfg.Backend, verifier, logger)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer b.Close()

	logger.Info("backend serving", "scenario", cfg.Scenario, "tools", len(cfg.Backend.Tools))
	return b.Serve(ctx, os.Stdin, os.Stdout)
}
