// Package validation checks request fields at the HTTP boundary.
package validation

import (
	"fmt"
	"strings"
)

const (
	// MinPasswordLength is the shortest password accepted for share encryption
	MinPasswordLength = 8
	// MaxFieldLength bounds user ids, shares and signatures
	MaxFieldLength = 4096
)

// FieldError is a single invalid field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors
type Errors []FieldError

func (ve Errors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validator accumulates field errors
type Validator struct {
	errors Errors
}

// New creates a new validator
func New() *Validator {
	return &Validator{}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() Errors {
	return v.errors
}

// Err returns the accumulated errors, or nil
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v.errors
}

// AddError adds a validation error
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, FieldError{Field: field, Message: message})
}

// Required validates that a string is not blank
func (v *Validator) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
		return false
	}
	return true
}

// MinLength validates minimum string length
func (v *Validator) MinLength(field, value string, minLen int) bool {
	if len(value) < minLen {
		v.AddError(field, fmt.Sprintf("must be at least %d characters", minLen))
		return false
	}
	return true
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(field, value string, maxLen int) bool {
	if len(value) > maxLen {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", maxLen))
		return false
	}
	return true
}

// Password validates a share encryption password
func (v *Validator) Password(field, value string) bool {
	return v.Required(field, value) && v.MinLength(field, value, MinPasswordLength)
}

// Field validates a required, bounded string field
func (v *Validator) Field(field, value string) bool {
	return v.Required(field, value) && v.MaxLength(field, value, MaxFieldLength)
}
