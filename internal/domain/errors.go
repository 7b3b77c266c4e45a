package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors shared across repositories and the engine.
var (
	ErrNotFound           = errors.New("not found")
	ErrNotCalculated      = errors.New("measure is not a calculated measure")
	ErrCatalogUnavailable = errors.New("measure catalog unavailable")
)

// Error codes for failure scenarios surfaced to callers and logs.
const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeArithmetic    = "ARITHMETIC_ERROR"
	ErrCodeCycle         = "CYCLE_DETECTED"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
)

// CycleError reports dependency cycles among calculated measures. Each entry
// in Cycles holds the measure names along one cycle, ending where it started.
type CycleError struct {
	Cycles [][]string
}

// Error implements the error interface
func (e *CycleError) Error() string {
	paths := make([]string, len(e.Cycles))
	for i, cycle := range e.Cycles {
		paths[i] = strings.Join(cycle, " -> ")
	}
	return fmt.Sprintf("dependency cycle among calculated measures: %s", strings.Join(paths, "; "))
}

// Members returns the distinct measure names caught in any cycle, sorted.
func (e *CycleError) Members() []string {
	seen := make(map[string]bool)
	var members []string
	for _, cycle := range e.Cycles {
		for _, name := range cycle {
			if !seen[name] {
				seen[name] = true
				members = append(members, name)
			}
		}
	}
	sort.Strings(members)
	return members
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
