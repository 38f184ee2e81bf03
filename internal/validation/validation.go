// Package validation validates request payloads with struct tags.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	defaultValidator = validator.New()
	defaultEn        = en.New()
	uni              = ut.New(defaultEn, defaultEn)
	trans, _         = uni.GetTranslator(defaultEn.Locale())
)

func init() {
	defaultValidator.RegisterTagNameFunc(jsonFieldName)
	if err := entranslations.RegisterDefaultTranslations(defaultValidator, trans); err != nil {
		panic(err)
	}
}

// Violation describes one failed rule.
type Violation struct {
	Field       string `json:"field"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

// StructError is returned when a struct fails validation.
type StructError struct {
	Violations []Violation
}

func (s StructError) Error() string {
	parts := make([]string, 0, len(s.Violations))
	for _, v := range s.Violations {
		parts = append(parts, v.Description)
	}
	return strings.Join(parts, "; ")
}

// ValidateStruct validates v against its `validate` tags.
func ValidateStruct(v any) error {
	err := defaultValidator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	structErr := StructError{Violations: make([]Violation, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		structErr.Violations = append(structErr.Violations, Violation{
			Field:       fe.Field(),
			Tag:         fe.Tag(),
			Description: fe.Translate(trans),
		})
	}
	return structErr
}

// jsonFieldName reports fields by their wire name.
func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}
