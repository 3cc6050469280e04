package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httptransport "github.com/chimera-gate/chimeragate/internal/adapter/inbound/http"
	"github.com/chimera-gate/chimeragate/internal/adapter/inbound/stdio"
	"github.com/chimera-gate/chimeragate/internal/adapter/outbound/tool"
	"github.com/chimera-gate/chimeragate/internal/config"
	"github.com/chimera-gate/chimeragate/internal/domain/attacklog"
	"github.com/chimera-gate/chimeragate/internal/domain/judge"
	"github.com/chimera-gate/chimeragate/internal/domain/ledger"
	"github.com/chimera-gate/chimeragate/internal/domain/policy"
	"github.com/chimera-gate/chimeragate/internal/domain/proxy"
	"github.com/chimera-gate/chimeragate/internal/domain/sanitize"
	"github.com/chimera-gate/chimeragate/internal/domain/session"
	"github.com/chimera-gate/chimeragate/internal/domain/taint"
	"github.com/chimera-gate/chimeragate/internal/domain/warrant"
	"github.com/chimera-gate/chimeragate/internal/port/inbound"
	"github.com/chimera-gate/chimeragate/internal/service"
	"github.com/chimera-gate/chimeragate/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway in front of the tool server",
	Long: `Start the gateway. The downstream tool server from downstream.command
is spawned as a subprocess; upstream callers connect over the transport
selected by server.transport (stdio or http).

Examples:
  # Gateway on stdio with the default scenario
  chimera-gate run

  # Gateway over HTTP for a specific scenario
  chimera-gate run --scenario aetheria`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, scenarioName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Downstream.Command) == 0 {
		return fmt.Errorf("downstream.command is not configured")
	}

	logger := newLogger(cfg.Server.LogLevel)
	logger.Info("starting chimera-gate",
		"scenario", cfg.Scenario,
		"transport", cfg.Server.Transport,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Key material is load-bearing: refusing to start beats running
	// without the ability to issue warrants.
	keys, err := warrant.LoadSigningKeys(cfg.Keys.Dir)
	if err != nil {
		return fmt.Errorf("load signing keys (run `chimera-gate keygen` first): %w", err)
	}
	authority := warrant.NewAuthority(keys, logger)

	classifier, err := taint.NewClassifier(taintConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("build taint classifier: %w", err)
	}
	sessions := session.NewStore(cfg.Policy.RiskAccumulation, classifier, logger)

	engine, err := policy.NewEngine(cfg.Policy.Config, logger)
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}

	led, err := ledger.New(cfg.Ledger.Path, logger)
	if err != nil {
		return fmt.Errorf("open forensic ledger: %w", err)
	}
	attacks, err := attacklog.New(cfg.AttackLog.Dir, logger)
	if err != nil {
		return fmt.Errorf("open attack log: %w", err)
	}

	riskJudge, err := buildJudge(cfg, logger)
	if err != nil {
		return fmt.Errorf("build judge: %w", err)
	}

	tracer, shutdownTracing, err := telemetry.Setup(cfg.Server.Tracing, Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	interceptor, err := proxy.NewInterceptor(proxy.Options{
		Authority:      authority,
		Judge:          riskJudge,
		Engine:         engine,
		Ledger:         led,
		Sessions:       sessions,
		Attacks:        attacks,
		ToolCategories: toolCategories(cfg),
		FileReaderTool: fileReaderTool(cfg),
		Logger:         logger,
		Tracer:         tracer,
	})
	if err != nil {
		return fmt.Errorf("build interceptor: %w", err)
	}

	server, err := tool.NewSubprocess(cfg.Downstream.Command)
	if err != nil {
		return fmt.Errorf("build downstream server: %w", err)
	}

	gateway := service.NewGateway(server, interceptor, sanitize.New(), attacks, logger)

	var transport inbound.Transport
	switch cfg.Server.Transport {
	case "http":
		transport = httptransport.NewTransport(gateway,
			httptransport.WithAddr(cfg.Server.HTTPAddr),
			httptransport.WithLogger(logger),
		)
	default:
		transport = stdio.NewTransport(gateway)
	}

	err = transport.Start(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("chimera-gate stopped")
	return nil
}

// taintConfig falls back to the built-in pattern set when the scenario does
// not configure its own.
func taintConfig(cfg *config.Config) taint.Config {
	if len(cfg.Taint.UntrustedPatterns) == 0 && len(cfg.Taint.TrustedPatterns) == 0 {
		return taint.DefaultConfig()
	}
	return cfg.Taint
}

// buildJudge selects the oracle when configured, otherwise the
// deterministic mock-rule judge.
func buildJudge(cfg *config.Config, logger *slog.Logger) (judge.Judge, error) {
	if cfg.Judge.Oracle.URL != "" {
		return judge.NewOracleJudge(cfg.Judge.Oracle, cfg.Judge.PromptTemplate, logger)
	}
	return judge.NewRuleJudge(cfg.Judge.MockRules, cfg.Judge.DefaultMock, logger), nil
}

func toolCategories(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Backend.Tools))
	for name, def := range cfg.Backend.Tools {
		out[name] = def.Category
	}
	return out
}

// fileReaderTool names the tool whose path argument feeds the taint
// tracker: the first filesystem-handler tool by name.
func fileReaderTool(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Backend.Tools))
	for name, def := range cfg.Backend.Tools {
		if def.Handler == "filesystem" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}
