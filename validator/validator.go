// Package validator wraps go-playground/validator behind a small,
// stable surface for validating outgoing records.
package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator provides struct validation using the underlying validator
// library.
type Validator struct {
	cli *validator.Validate
}

// ValidationError represents an error encountered during validation of
// a struct field.
type ValidationError struct {
	Field   string
	Message string
}

// New initializes and returns a new Validator.
func New() *Validator {
	return &Validator{
		cli: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (v *Validator) formatError(err error) []ValidationError {
	errs := make([]ValidationError, 0)
	for _, fe := range err.(validator.ValidationErrors) {
		errs = append(errs, ValidationError{
			Field:   fe.StructField(),
			Message: fe.Error(),
		})
	}
	return errs
}

// ValidateStruct validates the provided struct and returns a slice of
// validation errors, nil when valid.
func (v *Validator) ValidateStruct(s interface{}) []ValidationError {
	if err := v.cli.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Validate checks the provided value against the specified validation
// tags.
func (v *Validator) Validate(value interface{}, tag string) []ValidationError {
	if err := v.cli.Var(value, tag); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Struct validates s and folds any field errors into a single error.
// Non-struct values (maps, raw rows) pass unchecked.
func (v *Validator) Struct(s interface{}) error {
	err := v.cli.Struct(s)
	if err == nil {
		return nil
	}
	if _, ok := err.(validator.ValidationErrors); !ok {
		// not a struct; nothing to validate
		return nil
	}
	fields := make([]string, 0)
	for _, fe := range v.formatError(err) {
		fields = append(fields, fe.Field)
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
}
