// Package validator wraps go-playground/validator for checking event and
// domain payloads before they are applied to local state.
package validator

import (
	"github.com/go-playground/validator/v10"
)

// Validator validates structs against their `validate` tags.
type Validator struct {
	cli *validator.Validate
}

// ValidationError describes a single failed field.
type ValidationError struct {
	Field   string
	Message interface{}
}

// New returns a ready-to-use Validator.
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

// ValidateStruct validates s against its field tags and returns one entry
// per failed field, or nil when s is valid.
func (v *Validator) ValidateStruct(s interface{}) []ValidationError {
	if err := v.cli.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Validate checks a single value against the given validation tag.
func (v *Validator) Validate(value interface{}, tag string) []ValidationError {
	if err := v.cli.Var(value, tag); err != nil {
		return v.formatError(err)
	}
	return nil
}
