// Package judge produces per-call risk assessments.
//
// A judge is pure over (tool, args, context) plus configuration: it never
// reads or mutates session state. Two implementations exist: an external
// scoring oracle, and a deterministic rule-based judge used as the offline
// mode and in tests.
package judge

import (
	"context"
)

// Assessment is the judge's verdict for one tool call.
type Assessment struct {
	// RiskScore is in [0,1]; 0 is safe, 1 is high threat.
	RiskScore float64 `json:"risk_score"`
	// Confidence is in [0,1]; how certain the judge is of RiskScore.
	Confidence float64 `json:"confidence"`
	// Reason is the explanation behind the score.
	Reason string `json:"reason"`
	// ViolationTags label the classes of violation detected.
	ViolationTags []string `json:"violation_tags"`
}

// OracleFailure is the fail-secure assessment returned when the oracle is
// unreachable or returns garbage: high risk, full confidence, so the policy
// engine routes defensively rather than waving the call through.
func OracleFailure() Assessment {
	return Assessment{
		RiskScore:     0.9,
		Confidence:    1.0,
		Reason:        "oracle failure",
		ViolationTags: []string{"ORACLE_ERROR"},
	}
}

// Judge scores a tool call for malicious intent.
type Judge interface {
	Assess(ctx context.Context, tool string, args, callContext map[string]interface{}) Assessment
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
