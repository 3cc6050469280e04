package judge

import (
	"context"
	"log/slog"

	"github.com/chimera-gate/chimeragate/internal/domain/policy"
)

// MockRule is one entry of the deterministic judge's rule list. Rules are
// evaluated in declared order; the first match wins.
type MockRule struct {
	// Tools restricts the rule to specific tools; empty means all.
	Tools []string `yaml:"tools"`
	// Field is a dotted path into {tool, args, context}.
	Field string `yaml:"field"`
	// Operator defaults to eq when omitted.
	Operator policy.Operator `yaml:"operator"`
	Value    interface{}     `yaml:"value"`

	RiskScore float64 `yaml:"risk_score"`
	// Confidence of 0 means unset and is treated as 1.0.
	Confidence float64  `yaml:"confidence"`
	Reason     string   `yaml:"reason"`
	Tags       []string `yaml:"tags"`
}

// MockDefault is the assessment returned when no rule matches.
type MockDefault struct {
	RiskScore  float64  `yaml:"risk_score"`
	Confidence float64  `yaml:"confidence"`
	Reason     string   `yaml:"reason"`
	Tags       []string `yaml:"tags"`
}

// RuleJudge is the deterministic judge: configured rules evaluated in
// order over the call payload.
type RuleJudge struct {
	rules      []MockRule
	defaultOut Assessment
	logger     *slog.Logger
}

// NewRuleJudge builds a deterministic judge from configuration.
func NewRuleJudge(rules []MockRule, def MockDefault, logger *slog.Logger) *RuleJudge {
	if logger == nil {
		logger = slog.Default()
	}
	if def.Reason == "" {
		def.Reason = "default assessment"
	}
	if def.Confidence == 0 {
		def.Confidence = 1.0
	}
	return &RuleJudge{
		rules: rules,
		defaultOut: Assessment{
			RiskScore:     clamp01(def.RiskScore),
			Confidence:    clamp01(def.Confidence),
			Reason:        def.Reason,
			ViolationTags: def.Tags,
		},
		logger: logger,
	}
}

// Assess evaluates the configured rules against the call payload.
func (j *RuleJudge) Assess(_ context.Context, tool string, args, callContext map[string]interface{}) Assessment {
	payload := map[string]interface{}{
		"tool":    tool,
		"args":    args,
		"context": callContext,
	}

	for i := range j.rules {
		rule := &j.rules[i]
		if !appliesTo(rule.Tools, tool) {
			continue
		}
		if rule.Field == "" {
			continue
		}
		op := rule.Operator
		if op == "" {
			op = policy.OpEq
		}
		cond := policy.Condition{Field: rule.Field, Operator: op, Value: rule.Value}
		if !cond.Evaluate(payload, callContext, j.logger) {
			continue
		}

		confidence := rule.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		reason := rule.Reason
		if reason == "" {
			reason = "rule triggered"
		}
		return Assessment{
			RiskScore:     clamp01(rule.RiskScore),
			Confidence:    clamp01(confidence),
			Reason:        reason,
			ViolationTags: rule.Tags,
		}
	}

	return j.defaultOut
}

func appliesTo(tools []string, tool string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, t := range tools {
		if t == "*" || t == tool {
			return true
		}
	}
	return false
}

var _ Judge = (*RuleJudge)(nil)
