// Package helpers provides small cross-cutting utilities shared by the
// configuration loader and the store implementations.
package helpers

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator builds a validator that reports struct tag failures using
// the field's yaml (falling back to json) name rather than its Go
// identifier.
func NewValidator() (*validator.Validate, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			name = strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		}
		if name == "-" {
			return ""
		}
		return name
	})

	return validate, nil
}

// CheckSimple validates s against its `validate` struct tags.
func CheckSimple(s any) error {
	validate, err := NewValidator()
	if err != nil {
		return err
	}
	return validate.Struct(s)
}
