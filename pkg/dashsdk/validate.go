package dashsdk

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/go-playground/validator.v9"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateTransactionInput, TransactionInput{})
	return v
}

// validateTransactionInput checks the subtype belongs to the chosen type.
func validateTransactionInput(sl validator.StructLevel) {
	in := sl.Current().Interface().(TransactionInput)
	if in.Subtype == "" {
		return
	}
	typ, ok := TypeOf(in.Subtype)
	if !ok || (in.Type != "" && typ != in.Type) {
		sl.ReportError(in.Subtype, "subtype", "Subtype", "subtype", "")
	}
}

// check validates v locally and reports failures as a *ValidationError
// shaped like the backend's 422 body.
func (c *Client) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate input: %w", err)
	}

	fields := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fieldMessage(fe))
	}
	return &ValidationError{Message: "The given data was invalid.", Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", fe.Field())
	case "email":
		return fmt.Sprintf("The %s must be a valid email address.", fe.Field())
	case "min":
		return fmt.Sprintf("The %s must be at least %s characters.", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("The %s may not be greater than %s characters.", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("The %s must be greater than %s.", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("The selected %s is invalid.", fe.Field())
	case "subtype":
		return "The subtype does not match the transaction type."
	default:
		return fmt.Sprintf("The %s is invalid.", fe.Field())
	}
}
