package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Wizard-specific error codes.
const (
	ErrWizardNotFound       = "WIZARD_NOT_FOUND"
	ErrWizardNotActive      = "WIZARD_NOT_ACTIVE"
	ErrWizardExpired        = "WIZARD_EXPIRED"
	ErrFieldLocked          = "FIELD_LOCKED"
	ErrDependentFetchFailed = "DEPENDENT_FETCH_FAILED"
	ErrOTPFailed            = "OTP_FAILED"
	ErrServerRejected       = "SERVER_REJECTED"
	ErrUploadShape          = "UPLOAD_SHAPE_ERROR"
)

// ErrorEnvelope is the standard error response envelope returned by the engine.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewFieldLockedError returns a FIELD_LOCKED error for a verified field.
func NewFieldLockedError(field string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFieldLocked,
		Message: fmt.Sprintf("Field %s is locked until its verification is reset", field),
		Details: []FieldError{{Field: field, Code: ErrFieldLocked, Message: "locked"}},
	}
}

// NewDependentFetchError returns a DEPENDENT_FETCH_FAILED error.
func NewDependentFetchError(field, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDependentFetchFailed,
		Message: msg,
		Details: []FieldError{{Field: field, Code: ErrDependentFetchFailed, Message: msg}},
	}
}

// NewOTPError returns an OTP_FAILED error.
func NewOTPError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrOTPFailed, Message: msg}
}

// NewServerRejectedError returns a SERVER_REJECTED error. The message is the
// first backend message verbatim.
func NewServerRejectedError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrServerRejected, Message: msg, Details: details}
}

// NewUploadShapeError returns an UPLOAD_SHAPE_ERROR.
func NewUploadShapeError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUploadShape,
		Message: "The upload response did not contain a file URL",
	}
}

// IsNetworkError reports whether err is a transient backend failure.
func IsNetworkError(err error) bool {
	var env *ErrorEnvelope
	if !errors.As(err, &env) {
		return false
	}
	return env.Code == ErrBackendUnavailable || env.Code == ErrBackendTimeout
}

// NewWizardNotFoundError returns a WIZARD_NOT_FOUND error for an unknown
// wizard definition.
func NewWizardNotFoundError(wizardID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWizardNotFound, Message: fmt.Sprintf("wizard %q not found", wizardID)}
}

// NewWizardNotActiveError returns a WIZARD_NOT_ACTIVE error.
func NewWizardNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWizardNotActive, Message: msg}
}

// NewWizardExpiredError returns a WIZARD_EXPIRED error.
func NewWizardExpiredError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWizardExpired, Message: fmt.Sprintf("wizard instance %q has expired", instanceID)}
}
