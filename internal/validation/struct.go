package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Messages shown for each failing rule.
const (
	MsgRequired     = "This field is required."
	MsgEmail        = "Enter a valid email address."
	MsgPhone        = "Enter a phone number with at least 10 digits."
	MsgZip          = "Enter a 5-digit ZIP code or ZIP+4."
	MsgTerms        = "You must accept the terms to continue."
	MsgInvalidValue = "Enter a valid value."
)

// StructValidator runs tag based rules on the draft's nested records.
type StructValidator struct {
	v   *validator.Validate
	now func() time.Time
}

// NewStructValidator registers the custom rules used by the draft types. now drives the
// vehicle year upper bound.
func NewStructValidator(now func() time.Time) *StructValidator {
	if now == nil {
		now = time.Now
	}
	s := &StructValidator{v: validator.New(), now: now}

	s.v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	rules := map[string]validator.Func{
		"email_address": func(fl validator.FieldLevel) bool { return ValidEmail(fl.Field().String()) },
		"phone_us":      func(fl validator.FieldLevel) bool { return ValidPhone(fl.Field().String()) },
		"zip_us":        func(fl validator.FieldLevel) bool { return ValidZip(fl.Field().String()) },
		"vehicle_year": func(fl validator.FieldLevel) bool {
			return ValidVehicleYear(int(fl.Field().Int()), s.now())
		},
	}
	for tag, fn := range rules {
		if err := s.v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("validation: register %s: %v", tag, err))
		}
	}
	return s
}

// Check validates value and returns its failures keyed by prefix + json field name.
func (s *StructValidator) Check(prefix string, value any) Errors {
	out := make(Errors)
	err := s.v.Struct(value)
	if err == nil {
		return out
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		out.Add(strings.TrimSuffix(prefix, "."), MsgInvalidValue)
		return out
	}
	for _, fe := range fieldErrs {
		out.Add(prefix+fe.Field(), s.message(fe))
	}
	return out
}

func (s *StructValidator) message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return MsgRequired
	case "email_address":
		return MsgEmail
	case "phone_us":
		return MsgPhone
	case "zip_us":
		return MsgZip
	case "vehicle_year":
		return fmt.Sprintf("Enter a year between %d and %d.", MinVehicleYear, MaxVehicleYear(s.now()))
	default:
		return MsgInvalidValue
	}
}
