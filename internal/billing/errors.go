package billing

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Errors surfaced to callers. The message of each is safe to show users.
var (
	ErrNotConfigured        = errors.New("Payment processor is not configured. Please contact support to manage your subscription.")
	ErrProcessorUnavailable = errors.New("Payment processing temporarily unavailable. Please try again or contact support.")
	ErrNoSubscription       = errors.New("No subscription found to manage.")
	ErrNothingToCancel      = errors.New("No subscription found to cancel.")
	ErrGhostSession         = errors.New("billing changes are not allowed while viewing another account")
	ErrForbidden            = errors.New("not allowed to manage this subscription")
	ErrInvoiceNotFound      = errors.New("invoice not found")
)

// ValidationError reports request fields that were missing or invalid. It is
// always returned before the processor is contacted.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, name := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// fromValidator converts validator output into a ValidationError keyed by
// the JSON field name.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = describeTag(fe)
	}
	return out
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}

// HTTPStatus maps an error from this package onto a response code.
func HTTPStatus(err error) int {
	var verr *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProcessorUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrNoSubscription), errors.Is(err, ErrNothingToCancel), errors.Is(err, ErrInvoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGhostSession), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text a handler may return for err. Unknown errors get
// a generic message.
func PublicMessage(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ErrNotConfigured):
		return ErrNotConfigured.Error()
	case errors.Is(err, ErrProcessorUnavailable):
		return ErrProcessorUnavailable.Error()
	case errors.Is(err, ErrNoSubscription):
		return ErrNoSubscription.Error()
	case errors.Is(err, ErrNothingToCancel):
		return ErrNothingToCancel.Error()
	case errors.Is(err, ErrInvoiceNotFound):
		return ErrInvoiceNotFound.Error()
	case errors.Is(err, ErrGhostSession):
		return ErrGhostSession.Error()
	case errors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	case errors.Is(err, ErrInvalidTransition):
		return "subscription cannot be changed from its current state"
	default:
		return "internal error"
	}
}
