package services

import (
	"errors"
	"fmt"
	"net/http"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
)

var (
	// ErrAuthenticity means a signed payload could not be proven to come from the provider.
	ErrAuthenticity = errors.New("signed payload authenticity check failed")

	// ErrDecode means a verified payload is not a well-formed notification.
	ErrDecode = errors.New("notification payload malformed")

	ErrReceiptInvalid             = errors.New("receipt invalid")
	ErrReceiptEnvironmentMismatch = errors.New("receipt environment mismatch")
	ErrReceiptUnauthenticated     = errors.New("receipt shared secret rejected")
	ErrReceiptVerificationTimeout = errors.New("receipt verification unavailable")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrReceiptStale        = errors.New("transaction too old")

	ErrUnknownEventType = errors.New("unknown notification type")
	ErrInvalidRequest   = errors.New("invalid request")
)

// ReceiptError carries the status the verification authority returned.
type ReceiptError struct {
	Status      int
	Environment models.Environment
	kind        error
}

func (e *ReceiptError) Error() string {
	return fmt.Sprintf("%v: status %d (%s)", e.kind, e.Status, e.Environment)
}

func (e *ReceiptError) Unwrap() error {
	return e.kind
}

// ErrorClass is the stable classification reported to clients. Only
// unavailability of a dependency is retryable.
type ErrorClass struct {
	Code      string
	Retryable bool
}

// HTTPStatus maps the class onto a response status.
func (c ErrorClass) HTTPStatus() int {
	switch c.Code {
	case "invalid_request", "receipt_invalid", "transaction_not_found", "transaction_too_old":
		return http.StatusBadRequest
	case "receipt_environment_mismatch", "receipt_unauthenticated":
		return http.StatusBadGateway
	case "receipt_verification_timeout":
		return http.StatusGatewayTimeout
	case "store_unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Classify maps err onto its ErrorClass. Unknown errors are internal.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return ErrorClass{Code: "invalid_request"}
	case errors.Is(err, database.ErrConstraint):
		return ErrorClass{Code: "constraint_violation"}
	case errors.Is(err, ErrReceiptInvalid):
		return ErrorClass{Code: "receipt_invalid"}
	case errors.Is(err, ErrReceiptEnvironmentMismatch):
		return ErrorClass{Code: "receipt_environment_mismatch"}
	case errors.Is(err, ErrReceiptUnauthenticated):
		return ErrorClass{Code: "receipt_unauthenticated"}
	case errors.Is(err, ErrReceiptVerificationTimeout):
		return ErrorClass{Code: "receipt_verification_timeout", Retryable: true}
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, database.ErrEntitlementNotFound):
		return ErrorClass{Code: "transaction_not_found"}
	case errors.Is(err, ErrReceiptStale):
		return ErrorClass{Code: "transaction_too_old"}
	case errors.Is(err, database.ErrStoreUnavailable):
		return ErrorClass{Code: "store_unavailable", Retryable: true}
	}
	return ErrorClass{Code: "internal_error"}
}
