package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// suspiciousKeywords is the built-in scan applied to tool arguments before
// any phase runs. A hit sets context["is_suspicious_query"] for the rules.
var suspiciousKeywords = []string{
	"password", "secret", "credit card", "ssn", "private_key", "formula",
}

// DirectivesConfig maps caller identity to a forced route. Users are checked
// before roles.
type DirectivesConfig struct {
	Users map[string]Directive `yaml:"users"`
	Roles map[string]Directive `yaml:"roles"`
}

// AccumulatedRiskConfig is the session-level risk threshold phase.
type AccumulatedRiskConfig struct {
	Threshold float64 `yaml:"threshold"`
	Action    Route   `yaml:"action"`
	Reason    string  `yaml:"reason"`
}

// RiskBasedConfig is the per-event risk threshold phase.
type RiskBasedConfig struct {
	RiskThreshold       float64 `yaml:"risk_threshold"`
	MinConfidence       float64 `yaml:"min_confidence"`
	Action              Route   `yaml:"action"`
	LowConfidenceAction Route   `yaml:"low_confidence_action"`
}

// Config is the policy section of the merged configuration document.
type Config struct {
	DefaultAction    Route            `yaml:"default_action"`
	EvaluationOrder  []string         `yaml:"evaluation_order"`
	Directives       DirectivesConfig `yaml:"directives"`
	TrustedWorkflows []Rule           `yaml:"trusted_workflows"`
	SecurityPolicies []Rule           `yaml:"security_policies"`

	AccumulatedRisk AccumulatedRiskConfig `yaml:"accumulated_risk_policies"`
	RiskBased       RiskBasedConfig       `yaml:"risk_based_policies"`
}

// Engine makes the routing decision for each intercepted tool call.
// It is deterministic: the same input document always yields the same
// decision, so every route can be reproduced from the ledger.
type Engine struct {
	cfg    Config
	order  []string
	logger *slog.Logger
}

// NewEngine validates the config and builds an engine.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.DefaultAction == "" {
		cfg.DefaultAction = RouteProduction
	}
	if !cfg.DefaultAction.Valid() {
		return nil, fmt.Errorf("invalid default_action %q", cfg.DefaultAction)
	}
	if cfg.AccumulatedRisk.Action == "" {
		cfg.AccumulatedRisk.Action = RouteShadow
	}
	if cfg.RiskBased.Action == "" {
		cfg.RiskBased.Action = RouteShadow
	}
	if cfg.RiskBased.LowConfidenceAction == "" {
		cfg.RiskBased.LowConfidenceAction = RouteProduction
	}

	order := cfg.EvaluationOrder
	if len(order) == 0 {
		order = DefaultEvaluationOrder
	}
	for _, phase := range order {
		switch phase {
		case PhaseDirectives, PhaseTrustedWorkflows, PhaseSecurityPolicies,
			PhaseAccumulatedRisk, PhaseRiskBased:
		default:
			return nil, fmt.Errorf("unknown evaluation phase %q", phase)
		}
	}

	for _, r := range cfg.TrustedWorkflows {
		if !r.Action.Valid() {
			return nil, fmt.Errorf("trusted workflow %q: invalid action %q", r.ID, r.Action)
		}
	}
	for _, r := range cfg.SecurityPolicies {
		if !r.Action.Valid() {
			return nil, fmt.Errorf("security policy %q: invalid action %q", r.ID, r.Action)
		}
	}

	return &Engine{cfg: cfg, order: order, logger: logger}, nil
}

// Evaluate runs the configured phases in order and returns the first
// decision. When no phase decides, the default action applies.
func (e *Engine) Evaluate(in EvaluationInput) Decision {
	if in.Context == nil {
		in.Context = map[string]interface{}{}
	}
	in.Context["is_suspicious_query"] = e.isSuspiciousQuery(in.Args)

	data := map[string]interface{}{
		"args":             in.Args,
		"context":          in.Context,
		"risk_score":       in.RiskScore,
		"confidence":       in.Confidence,
		"tool_category":    in.ToolCategory,
		"accumulated_risk": in.AccumulatedRisk,
	}

	for _, phase := range e.order {
		var d *Decision
		switch phase {
		case PhaseDirectives:
			d = e.evalDirectives(in.Context)
		case PhaseTrustedWorkflows:
			d = e.evalRules(e.cfg.TrustedWorkflows, in.Tool, data, in.Context)
		case PhaseSecurityPolicies:
			d = e.evalRules(e.cfg.SecurityPolicies, in.Tool, data, in.Context)
		case PhaseAccumulatedRisk:
			d = e.evalAccumulatedRisk(in.AccumulatedRisk)
		case PhaseRiskBased:
			d = e.evalRiskBased(in.RiskScore, in.Confidence)
		}
		if d != nil {
			e.logger.Info("policy decision",
				"tool", in.Tool,
				"phase", phase,
				"rule_id", d.RuleID,
				"route", string(d.Route),
			)
			return *d
		}
	}

	return Decision{
		Route:  e.cfg.DefaultAction,
		RuleID: "default",
		Reason: "no policy matched",
	}
}

func (e *Engine) evalDirectives(context map[string]interface{}) *Decision {
	if userID, ok := context["user_id"].(string); ok && userID != "" {
		if dir, ok := e.cfg.Directives.Users[userID]; ok {
			reason := dir.Reason
			if reason == "" {
				reason = "directive for user " + userID
			}
			return &Decision{Route: dir.Action, RuleID: "directive:user:" + userID, Reason: reason}
		}
	}
	if role, ok := context["user_role"].(string); ok && role != "" {
		if dir, ok := e.cfg.Directives.Roles[role]; ok {
			reason := dir.Reason
			if reason == "" {
				reason = "directive for role " + role
			}
			return &Decision{Route: dir.Action, RuleID: "directive:role:" + role, Reason: reason}
		}
	}
	return nil
}

func (e *Engine) evalRules(rules []Rule, tool string, data, context map[string]interface{}) *Decision {
	for i := range rules {
		r := &rules[i]
		if !r.Matches(tool, data, context, e.logger) {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = "rule " + r.ID
		}
		return &Decision{Route: r.Action, RuleID: r.ID, Reason: reason}
	}
	return nil
}

func (e *Engine) evalAccumulatedRisk(accumulated float64) *Decision {
	cfg := e.cfg.AccumulatedRisk
	if cfg.Threshold <= 0 || accumulated < cfg.Threshold {
		return nil
	}
	reason := cfg.Reason
	if reason == "" {
		reason = fmt.Sprintf("accumulated risk %.2f >= threshold %.2f", accumulated, cfg.Threshold)
	}
	return &Decision{Route: cfg.Action, RuleID: "accumulated_risk", Reason: reason}
}

func (e *Engine) evalRiskBased(riskScore, confidence float64) *Decision {
	cfg := e.cfg.RiskBased
	if cfg.RiskThreshold <= 0 || riskScore < cfg.RiskThreshold {
		return nil
	}
	if confidence >= cfg.MinConfidence {
		return &Decision{
			Route:  cfg.Action,
			RuleID: "risk_threshold",
			Reason: fmt.Sprintf("risk %.2f >= threshold %.2f with confidence %.2f", riskScore, cfg.RiskThreshold, confidence),
		}
	}
	e.logger.Warn("high risk with low confidence, applying fail-safe route",
		"risk_score", riskScore,
		"confidence", confidence,
		"route", string(cfg.LowConfidenceAction),
	)
	return &Decision{
		Route:  cfg.LowConfidenceAction,
		RuleID: "risk_threshold_low_confidence",
		Reason: fmt.Sprintf("high risk but confidence %.2f < %.2f", confidence, cfg.MinConfidence),
	}
}

// isSuspiciousQuery scans the serialized arguments for the built-in keyword
// set. The scan is substring-based over the lowercased JSON form, so nested
// values are covered without walking the structure.
func (e *Engine) isSuspiciousQuery(args map[string]interface{}) bool {
	if len(args) == 0 {
		return false
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return false
	}
	haystack := strings.ToLower(string(encoded))
	for _, kw := range suspiciousKeywords {
		if strings.Contains(haystack, kw) {
			e.logger.Warn("suspicious keyword in tool arguments", "keyword", kw)
			return true
		}
	}
	return false
}
