package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/chimera-gate/chimeragate/internal/domain/policy"
	"github.com/chimera-gate/chimeragate/internal/domain/session"
)

// Validate checks the configuration using struct tags plus cross-field
// rules. The returned error carries actionable messages; callers treat it
// as fatal at startup.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateAccumulation(); err != nil {
		return err
	}
	return nil
}

// validateRoutes rejects actions that are not production/shadow/deny before
// the policy engine ever sees them.
func (c *Config) validateRoutes() error {
	check := func(where string, r policy.Route) error {
		if r != "" && !r.Valid() {
			return fmt.Errorf("policy.%s: invalid action %q (want production, shadow or deny)", where, r)
		}
		return nil
	}

	if err := check("default_action", c.Policy.DefaultAction); err != nil {
		return err
	}
	for i, rule := range c.Policy.TrustedWorkflows {
		if err := check(fmt.Sprintf("trusted_workflows[%d]", i), rule.Action); err != nil {
			return err
		}
	}
	for i, rule := range c.Policy.SecurityPolicies {
		if err := check(fmt.Sprintf("security_policies[%d]", i), rule.Action); err != nil {
			return err
		}
	}
	if err := check("accumulated_risk_policies.action", c.Policy.AccumulatedRisk.Action); err != nil {
		return err
	}
	if err := check("risk_based_policies.action", c.Policy.RiskBased.Action); err != nil {
		return err
	}
	return check("risk_based_policies.low_confidence_action", c.Policy.RiskBased.LowConfidenceAction)
}

func (c *Config) validateAccumulation() error {
	m := c.Policy.RiskAccumulation.Method
	if m != "" && m != session.MethodAdditiveDecay && m != session.MethodWindowedSum {
		return fmt.Errorf("policy.risk_accumulation.method: unknown method %q", m)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
