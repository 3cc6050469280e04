// Package config provides configuration loading for Chimera Gate.
//
// The effective configuration is one merged document: a base YAML file plus
// an optional scenario overlay (scenario wins), with CHIMERA_-prefixed
// environment variables on top for scalar keys.
package config

import (
	"github.com/chimera-gate/chimeragate/internal/backend"
	"github.com/chimera-gate/chimeragate/internal/domain/judge"
	"github.com/chimera-gate/chimeragate/internal/domain/policy"
	"github.com/chimera-gate/chimeragate/internal/domain/session"
	"github.com/chimera-gate/chimeragate/internal/domain/taint"
)

// Config is the top-level configuration document.
type Config struct {
	// Scenario names the overlay that was merged in, if any.
	Scenario string `yaml:"scenario"`

	// Server configures the inbound transport.
	Server ServerConfig `yaml:"server"`

	// Downstream is the tool server subprocess the gateway fronts.
	Downstream DownstreamConfig `yaml:"downstream"`

	// Keys locates the warrant key material.
	Keys KeysConfig `yaml:"keys"`

	// Ledger configures the forensic event chain.
	Ledger LedgerConfig `yaml:"ledger"`

	// AttackLog configures shadow-session capture files.
	AttackLog AttackLogConfig `yaml:"attacklog"`

	// Policy is the full routing policy document.
	Policy PolicyConfig `yaml:"policy"`

	// Taint configures source classification patterns.
	Taint taint.Config `yaml:"taint"`

	// Judge configures risk assessment: the oracle endpoint or the
	// deterministic mock rules.
	Judge JudgeConfig `yaml:"judge"`

	// Backend configures the data plane served by `chimera-gate backend`.
	Backend backend.Config `yaml:"backend"`
}

// ServerConfig configures the inbound side of the gateway.
type ServerConfig struct {
	// Transport selects how upstream callers connect.
	Transport string `yaml:"transport" validate:"omitempty,oneof=stdio http"`

	// HTTPAddr is the listen address when transport is http.
	HTTPAddr string `yaml:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Tracing enables the per-interception OpenTelemetry span exporter.
	Tracing bool `yaml:"tracing"`
}

// DownstreamConfig is the tool server subprocess.
type DownstreamConfig struct {
	// Command is the argv to spawn.
	Command []string `yaml:"command"`
}

// KeysConfig locates the RSA key pairs.
type KeysConfig struct {
	Dir string `yaml:"dir"`
}

// LedgerConfig locates the forensic ledger file.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// AttackLogConfig locates shadow-session capture output.
type AttackLogConfig struct {
	Dir string `yaml:"dir"`
}

// PolicyConfig couples the policy engine document with the session risk
// accumulation settings it depends on.
type PolicyConfig struct {
	policy.Config `yaml:",inline"`

	// RiskAccumulation configures how per-call risk folds into the
	// session score.
	RiskAccumulation session.AccumulationConfig `yaml:"risk_accumulation"`
}

// JudgeConfig selects and configures the risk judge.
type JudgeConfig struct {
	// PromptTemplate is the system prompt sent to the oracle. Empty uses
	// the built-in default.
	PromptTemplate string `yaml:"prompt_template"`

	// Oracle configures the remote model endpoint. An empty URL selects
	// the mock-rule judge instead.
	Oracle judge.OracleConfig `yaml:"oracle"`

	// MockRules drive the deterministic judge, evaluated in order.
	MockRules []judge.MockRule `yaml:"mock_rules"`

	// DefaultMock is the assessment returned when no mock rule matches.
	DefaultMock judge.MockDefault `yaml:"default_mock"`
}

// SetDefaults fills optional fields with working values.
func (c *Config) SetDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "stdio"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8888"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Keys.Dir == "" {
		c.Keys.Dir = "keys"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/forensic_ledger.jsonl"
	}
	if c.AttackLog.Dir == "" {
		c.AttackLog.Dir = "data/attacks"
	}
	if c.Policy.DefaultAction == "" {
		c.Policy.DefaultAction = policy.RouteProduction
	}
	if c.Judge.DefaultMock.Reason == "" {
		c.Judge.DefaultMock = judge.MockDefault{
			RiskScore:  0.1,
			Confidence: 1.0,
			Reason:     "no rule matched",
		}
	}
}
