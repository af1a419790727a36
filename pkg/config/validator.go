package config

import (
	"fmt"
	"regexp"
	"strings"
)

var validTargetTypes = map[string]bool{
	TargetHTTPEndpoint: true,
	TargetLLMInput:     true,
	TargetToolCall:     true,
	TargetAgentRole:    true,
	TargetCustom:       true,
}

// Validator performs comprehensive validation on a loaded plan.
type Validator struct {
	plan *Plan
}

// NewValidator creates a validator for the given plan.
func NewValidator(plan *Plan) *Validator {
	return &Validator{plan: plan}
}

// ValidateAll validates the whole plan, failing fast on the first error.
func (v *Validator) ValidateAll() error {
	if v.plan.Revision < 0 {
		return NewValidationError("plan", v.plan.ExperimentID(), "revision",
			fmt.Errorf("%w: must be >= 0, got %d", ErrInvalidValue, v.plan.Revision))
	}
	if err := v.validateTargets(); err != nil {
		return fmt.Errorf("target validation failed: %w", err)
	}
	if err := v.validateScenarios(); err != nil {
		return fmt.Errorf("scenario validation failed: %w", err)
	}
	if err := v.validateRulePacks(); err != nil {
		return fmt.Errorf("rule pack validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateTargets() error {
	seen := make(map[string]bool, len(v.plan.Targets))
	for i := range v.plan.Targets {
		t := &v.plan.Targets[i]
		if t.Name == "" {
			return NewValidationError("target", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if seen[t.Name] {
			return NewValidationError("target", t.Name, "name", ErrDuplicateName)
		}
		seen[t.Name] = true

		if !validTargetTypes[t.Type] {
			return NewValidationError("target", t.Name, "type",
				fmt.Errorf("%w: %q", ErrInvalidValue, t.Type))
		}

		t.Pattern = strings.TrimSpace(t.Pattern)
		if t.Pattern == "" {
			return NewValidationError("target", t.Name, "pattern",
				fmt.Errorf("%w: pattern cannot be empty", ErrInvalidValue))
		}
		// agent_role patterns are literal role names; everything else is
		// a regex and must compile now rather than at request time.
		if t.Type != TargetAgentRole {
			if _, err := regexp.Compile("(?i)" + t.Pattern); err != nil {
				return NewValidationError("target", t.Name, "pattern",
					fmt.Errorf("%w: %v", ErrInvalidValue, err))
			}
		}
	}
	return nil
}

func (v *Validator) validateScenarios() error {
	targetNames := make(map[string]bool, len(v.plan.Targets))
	for _, t := range v.plan.Targets {
		targetNames[t.Name] = true
	}

	seen := make(map[string]bool, len(v.plan.Scenarios))
	for i, s := range v.plan.Scenarios {
		if s.Name == "" {
			return NewValidationError("scenario", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if seen[s.Name] {
			return NewValidationError("scenario", s.Name, "name", ErrDuplicateName)
		}
		seen[s.Name] = true

		if s.Type == "" {
			return NewValidationError("scenario", s.Name, "type", ErrMissingRequiredField)
		}
		if s.TargetRef == "" {
			return NewValidationError("scenario", s.Name, "target_ref", ErrMissingRequiredField)
		}
		if !targetNames[s.TargetRef] {
			return NewValidationError("scenario", s.Name, "target_ref",
				fmt.Errorf("%w: references unknown target %q. Available targets: %v",
					ErrTargetNotFound, s.TargetRef, v.plan.TargetNames()))
		}
		if p := s.Prob(); p < 0 || p > 1 {
			return NewValidationError("scenario", s.Name, "probability",
				fmt.Errorf("%w: must be between 0.0 and 1.0, got %v", ErrInvalidValue, p))
		}
	}
	return nil
}

func (v *Validator) validateRulePacks() error {
	for i, pack := range v.plan.ClassifierRulePacks {
		if pack.Name == "" {
			return NewValidationError("rule_pack", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		for _, group := range [][]string{pack.Rules.LLMPatterns, pack.Rules.ToolPatterns, pack.Rules.AgentPatterns} {
			for _, p := range group {
				if _, err := regexp.Compile("(?i)" + p); err != nil {
					return NewValidationError("rule_pack", pack.Name, "rules",
						fmt.Errorf("%w: %v", ErrInvalidValue, err))
				}
			}
		}
	}
	return nil
}
