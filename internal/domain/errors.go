package domain

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFitted is returned when predicting before a model has been fitted.
	ErrNotFitted = errors.New("classifier is not fitted")

	// ErrConfiguration is the sentinel wrapped by every ConfigurationError.
	ErrConfiguration = errors.New("invalid reimbursement")
)

// ConfigurationError reports a malformed or incomplete reimbursement.
type ConfigurationError struct {
	Row    int
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("row %d: field %s: %s", e.Row, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so errors line up with the dataset columns
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateReimbursement checks that a reimbursement carries every field the
// classifier needs. row is the record position, used in the error.
func ValidateReimbursement(row int, r *Reimbursement) error {
	if r == nil {
		return &ConfigurationError{Row: row, Field: "record", Reason: "is nil"}
	}

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ConfigurationError{Row: row, Field: verrs[0].Field(), Reason: "is " + verrs[0].Tag()}
		}
		return &ConfigurationError{Row: row, Field: "record", Reason: err.Error()}
	}

	if r.Identity() == "" {
		return &ConfigurationError{Row: row, Field: "cnpj_cpf", Reason: "has no digits"}
	}

	v := r.Value()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ConfigurationError{Row: row, Field: "total_net_value", Reason: "is not finite"}
	}

	return nil
}
