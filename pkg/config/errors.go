package config

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanNotFound indicates the chaos plan file was not found
	ErrPlanNotFound = errors.New("chaos plan file not found")

	// ErrInvalidYAML indicates YAML parsing failed
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrEmptyPlan indicates the plan file parsed to nothing
	ErrEmptyPlan = errors.New("plan file is empty or contains no data")

	// ErrValidationFailed indicates plan validation failed
	ErrValidationFailed = errors.New("plan validation failed")

	// ErrTargetNotFound indicates a scenario references an unknown target
	ErrTargetNotFound = errors.New("target not found")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")

	// ErrDuplicateName indicates two targets or scenarios share a name
	ErrDuplicateName = errors.New("duplicate name")

	// ErrTapeKeyRequired indicates record/playback mode without CHAOS_TAPE_KEY
	ErrTapeKeyRequired = errors.New("tape key required for record/playback mode")
)

// ValidationError wraps plan validation errors with context
type ValidationError struct {
	Component string // Component being validated (target, scenario, replay_config, rule_pack)
	ID        string // Name of the component
	Field     string // Field name (optional)
	Err       error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{
		Component: component,
		ID:        id,
		Field:     field,
		Err:       err,
	}
}

// LoadError wraps plan loading errors with file context
type LoadError struct {
	File string // Plan file being loaded
	Err  error  // Underlying error
}

// Error returns formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{
		File: file,
		Err:  err,
	}
}
