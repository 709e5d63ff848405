package checkout

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// requestValidator checks request structs against their validate tags and
// reports failures as validation errors named by JSON field.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (r *requestValidator) Struct(s any) error {
	if err := r.v.Struct(s); err != nil {
		return translate(err, "")
	}
	return nil
}

func (r *requestValidator) Var(value any, tag, name string) error {
	if err := r.v.Var(value, tag); err != nil {
		return translate(err, name)
	}
	return nil
}

func translate(err error, name string) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return apperr.Validation("invalid request").Wrap(err)
	}
	msgs := make([]string, 0, len(fields))
	for _, fe := range fields {
		field := name
		if field == "" {
			// Drop the root struct name.
			_, field, _ = strings.Cut(fe.Namespace(), ".")
		}
		msgs = append(msgs, describe(field, fe))
	}
	return apperr.Validation(strings.Join(msgs, "; ")).Wrap(err)
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s", field, fe.Param())
	case "alpha":
		return fmt.Sprintf("%s must contain only letters", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
