// Package session tracks per-session state across intercepted tool calls:
// call history, the time-decayed risk accumulator, and the taint latch.
package session

import (
	"time"

	"github.com/chimera-gate/chimeragate/internal/domain/taint"
)

// Accumulation methods for the risk accumulator.
const (
	// MethodAdditiveDecay applies exponential decay to the running total
	// before each addition.
	MethodAdditiveDecay = "additive_decay"
	// MethodWindowedSum recomputes the total from events inside the
	// configured time window.
	MethodWindowedSum = "windowed_sum"
)

// AccumulationConfig controls how per-event risk scores aggregate into the
// session's accumulated risk.
type AccumulationConfig struct {
	// Enabled toggles decay. Accumulation itself always happens; when
	// disabled the total is a plain running sum.
	Enabled bool `yaml:"enabled"`
	// Method is MethodAdditiveDecay or MethodWindowedSum.
	Method string `yaml:"method"`
	// DecayRate is the per-minute exponential decay rate (additive_decay).
	DecayRate float64 `yaml:"decay_rate"`
	// WindowMinutes is the sliding window size (windowed_sum).
	WindowMinutes int `yaml:"window_minutes"`
}

// ToolCallRecord is one entry of a session's tool-call history.
type ToolCallRecord struct {
	Tool      string
	Args      map[string]interface{}
	Timestamp time.Time
}

// RiskEvent is one entry of a session's risk history.
type RiskEvent struct {
	RiskScore float64
	Timestamp time.Time
}

// State is the mutable per-session record. All mutation goes through the
// Store, which serializes access per session.
type State struct {
	SessionID       string
	CreatedAt       time.Time
	History         []ToolCallRecord
	RiskHistory     []RiskEvent
	AccumulatedRisk float64
	LastRiskUpdate  time.Time

	// TaintLevel is monotonic: once Red it never returns to Green.
	TaintLevel taint.Level
	// TaintSource is the first source that flipped the session Red.
	// Retained for audit.
	TaintSource string
}
