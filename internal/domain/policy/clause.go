package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// deepGet resolves a dotted path against a nested document of maps.
// A missing segment yields nil.
func deepGet(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// toFloat coerces numeric-ish values for the ordering operators.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// looseEqual compares two values the way the manifest author expects:
// numeric values compare numerically regardless of concrete type, everything
// else compares by string form.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		// Strings that happen to parse as numbers still compare textually.
		_, aStr := a.(string)
		_, bStr := b.(string)
		if !aStr || !bStr {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare applies one operator. Any coercion failure makes the comparison
// false rather than an error; a malformed rule must never block routing.
// Unknown operators are false and logged.
func compare(lhs interface{}, op Operator, rhs interface{}, logger *slog.Logger) bool {
	switch op {
	case OpEq:
		return looseEqual(lhs, rhs)
	case OpNeq:
		return !looseEqual(lhs, rhs)
	case OpGt, OpGte, OpLt, OpLte:
		fl, lok := toFloat(lhs)
		fr, rok := toFloat(rhs)
		if !lok || !rok {
			return false
		}
		switch op {
		case OpGt:
			return fl > fr
		case OpGte:
			return fl >= fr
		case OpLt:
			return fl < fr
		default:
			return fl <= fr
		}
	case OpContains:
		if lhs == nil || rhs == nil {
			return false
		}
		return strings.Contains(fmt.Sprint(lhs), fmt.Sprint(rhs))
	case OpRegex:
		if lhs == nil || rhs == nil {
			return false
		}
		re, err := regexp.Compile(fmt.Sprint(rhs))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(lhs))
	case OpIn:
		return memberOf(lhs, rhs)
	case OpNotIn:
		if rhs == nil {
			return false
		}
		return !memberOf(lhs, rhs)
	}
	logger.Warn("unknown operator, treating as no match", "operator", string(op))
	return false
}

func memberOf(needle, haystack interface{}) bool {
	switch hs := haystack.(type) {
	case []interface{}:
		for _, item := range hs {
			if looseEqual(needle, item) {
				return true
			}
		}
	case []string:
		for _, item := range hs {
			if looseEqual(needle, item) {
				return true
			}
		}
	case string:
		if needle == nil {
			return false
		}
		return strings.Contains(hs, fmt.Sprint(needle))
	}
	return false
}

// Evaluate resolves the condition against the evaluation document.
// The left-hand side comes from data by dotted path; the right-hand side is
// the literal value, or a context lookup when value_from_context is set.
func (cond *Condition) Evaluate(data, context map[string]interface{}, logger *slog.Logger) bool {
	lhs := deepGet(data, cond.Field)
	rhs := cond.Value
	if cond.ValueFromContext != "" {
		rhs = deepGet(context, cond.ValueFromContext)
	}
	return compare(lhs, cond.Operator, rhs, logger)
}

// Evaluate walks the clause tree with short-circuit Boolean semantics.
// An empty clause (nothing populated) is vacuously true, matching a rule
// with no match constraint.
func (c *Clause) Evaluate(data, context map[string]interface{}, logger *slog.Logger) bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].Evaluate(data, context, logger) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].Evaluate(data, context, logger) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Evaluate(data, context, logger)
	case c.Cond != nil:
		return c.Cond.Evaluate(data, context, logger)
	}
	return true
}

// Matches reports whether the rule fires for the given tool and document.
func (r *Rule) Matches(tool string, data, context map[string]interface{}, logger *slog.Logger) bool {
	if !r.AppliesTo(tool) {
		return false
	}
	if r.Match == nil {
		return true
	}
	return r.Match.Evaluate(data, context, logger)
}
