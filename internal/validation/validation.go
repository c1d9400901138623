package validation

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("snowflake", func(fl validator.FieldLevel) bool {
		return IsSnowflake(fl.Field().String())
	})
	_ = validate.RegisterValidation("ticketid", func(fl validator.FieldLevel) bool {
		return ValidateTicketID(fl.Field().String()) == nil
	})
}

// ValidateStruct checks the validate tags of s. All field failures are
// joined into one VALIDATION_FAILED error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "cannot validate value")
	}

	messages := make([]string, 0, len(fieldErrors))
	fields := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		messages = append(messages, fieldErrorMessage(fe))
		fields = append(fields, fe.Namespace())
	}
	return errors.NewValidationError(strings.Join(fields, ","), "", strings.Join(messages, "; "))
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "numeric", "snowflake":
		return fmt.Sprintf("%s must be a numeric Discord ID", field)
	case "ticketid":
		return fmt.Sprintf("%s must be a valid ticket ID", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, param)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, param)
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, param)
	default:
		return fmt.Sprintf("%s failed validation for '%s'", field, fe.Tag())
	}
}

// IsSnowflake reports whether id looks like a Discord snowflake.
func IsSnowflake(id string) bool {
	if len(id) < 15 || len(id) > 21 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidateTicketID checks a user-facing WHMCS ticket id such as "ABC-123456".
func ValidateTicketID(tid string) error {
	if tid == "" {
		return errors.NewValidationError("ticket_id", tid, "ticket ID cannot be empty")
	}
	if len(tid) > constants.MaxTicketIDLength {
		return errors.NewValidationError("ticket_id", tid,
			fmt.Sprintf("ticket ID too long (max %d characters)", constants.MaxTicketIDLength))
	}
	for _, c := range tid {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' {
			return errors.NewValidationError("ticket_id", tid, "ticket ID must contain only letters, digits and dashes")
		}
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes)).
			WithUserMessage("Request body too large")
	}
	return nil
}
