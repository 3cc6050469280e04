// Package policy contains the rule-based routing engine.
//
// The rule language is data, not code: a manifest of ordered rules whose
// match clauses are a closed Boolean structure (all/any/not) over simple
// field comparisons. Evaluation walks a fixed sequence of phases; the first
// phase that yields a result decides the route.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Route is the routing disposition of a tool call.
type Route string

const (
	// RouteProduction forwards the call with a production warrant.
	RouteProduction Route = "production"
	// RouteShadow forwards the call with a shadow warrant; the backend
	// serves honeypot data.
	RouteShadow Route = "shadow"
	// RouteDeny rejects the call upstream without contacting the backend.
	RouteDeny Route = "deny"
)

// Valid reports whether r is one of the three known routes.
func (r Route) Valid() bool {
	switch r {
	case RouteProduction, RouteShadow, RouteDeny:
		return true
	}
	return false
}

// Phase names for the evaluation order.
const (
	PhaseDirectives       = "directives"
	PhaseTrustedWorkflows = "trusted_workflows"
	PhaseSecurityPolicies = "security_policies"
	PhaseAccumulatedRisk  = "accumulated_risk_policies"
	PhaseRiskBased        = "risk_based_policies"
)

// DefaultEvaluationOrder is the phase sequence used when the config does
// not override it. Directives and trusted workflows run before security
// policies so identity whitelists can override forbidden-shape rules.
var DefaultEvaluationOrder = []string{
	PhaseDirectives,
	PhaseTrustedWorkflows,
	PhaseSecurityPolicies,
	PhaseAccumulatedRisk,
	PhaseRiskBased,
}

// Operator is a comparison operator in a rule condition. The set is closed;
// unknown operators evaluate to false.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

// Condition is a leaf comparison: data[field] <operator> value.
// When ValueFromContext is set, the right-hand side is resolved from the
// call context instead of the literal Value.
type Condition struct {
	Field            string      `yaml:"field"`
	Operator         Operator    `yaml:"operator"`
	Value            interface{} `yaml:"value"`
	ValueFromContext string      `yaml:"value_from_context"`
}

// Clause is the recursive match structure. Exactly one of All, Any, Not or
// Cond is populated.
type Clause struct {
	All  []Clause
	Any  []Clause
	Not  *Clause
	Cond *Condition
}

// UnmarshalYAML decodes a clause from its manifest form:
// {all: [...]}, {any: [...]}, {not: {...}}, or a bare condition mapping.
func (c *Clause) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("clause must be a mapping (line %d)", node.Line)
	}

	var probe map[string]yaml.Node
	if err := node.Decode(&probe); err != nil {
		return err
	}

	if sub, ok := probe["all"]; ok {
		return sub.Decode(&c.All)
	}
	if sub, ok := probe["any"]; ok {
		return sub.Decode(&c.Any)
	}
	if sub, ok := probe["not"]; ok {
		c.Not = &Clause{}
		return sub.Decode(c.Not)
	}

	cond := &Condition{Operator: OpEq}
	if err := node.Decode(cond); err != nil {
		return err
	}
	if cond.Field == "" {
		return fmt.Errorf("condition missing field (line %d)", node.Line)
	}
	c.Cond = cond
	return nil
}

// Rule is one entry of the policy manifest.
type Rule struct {
	// ID identifies the rule in decisions and audit records.
	ID string `yaml:"id"`
	// Action is the route this rule produces when it matches.
	Action Route `yaml:"action"`
	// Tools restricts the rule to specific tool names. Empty or containing
	// "*" applies to every tool.
	Tools []string `yaml:"tools"`
	// Match is the clause that must hold for the rule to fire.
	// A nil match always fires.
	Match *Clause `yaml:"match"`
	// Priority is informational; rules evaluate in declared order.
	Priority int `yaml:"priority"`
	// Reason is the human explanation attached to the decision.
	Reason string `yaml:"reason"`
}

// AppliesTo reports whether the rule covers the named tool.
func (r *Rule) AppliesTo(tool string) bool {
	if len(r.Tools) == 0 {
		return true
	}
	for _, t := range r.Tools {
		if t == "*" || t == tool {
			return true
		}
	}
	return false
}

// Directive is a per-user or per-role policy entry that short-circuits
// evaluation.
type Directive struct {
	Action Route  `yaml:"action"`
	Reason string `yaml:"reason"`
}

// Decision is the outcome of policy evaluation for one tool call.
type Decision struct {
	// Route is the final disposition.
	Route Route
	// RuleID identifies the rule (or phase) that decided.
	RuleID string
	// Reason explains the decision.
	Reason string
}

// EvaluationInput carries everything a rule may reference. Dotted field
// paths in conditions resolve against this structure: "args.*",
// "context.*", "risk_score", "confidence", "tool_category".
type EvaluationInput struct {
	// Tool is the tool being invoked.
	Tool string
	// Args are the tool arguments.
	Args map[string]interface{}
	// Context is the caller context, augmented by the interceptor with
	// is_tainted, accumulated_risk, and the normalized source, and by the
	// engine with is_suspicious_query.
	Context map[string]interface{}
	// RiskScore is the per-event score from the risk judge.
	RiskScore float64
	// Confidence is the judge's confidence in RiskScore.
	Confidence float64
	// ToolCategory is "safe" or "sensitive", from the tool manifest.
	ToolCategory string
	// AccumulatedRisk is the session's decayed risk total.
	AccumulatedRisk float64
}
