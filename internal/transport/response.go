// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the wizard API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/stepwise/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:    http.StatusConflict,
	model.ErrRateLimited:          http.StatusTooManyRequests,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrBackendUnavailable:   http.StatusBadGateway,
	model.ErrBackendTimeout:       http.StatusGatewayTimeout,
	model.ErrWizardNotFound:       http.StatusNotFound,
	model.ErrWizardNotActive:      http.StatusConflict,
	model.ErrWizardExpired:        http.StatusGone,
	model.ErrFieldLocked:          http.StatusConflict,
	model.ErrDependentFetchFailed: http.StatusBadGateway,
	model.ErrOTPFailed:            http.StatusUnprocessableEntity,
	model.ErrServerRejected:       http.StatusUnprocessableEntity,
	model.ErrUploadShape:          http.StatusBadGateway,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	writeEnvelope(w, err, "")
}

// writeEnvelope is WriteError with the trace id of the request attached.
func writeEnvelope(w http.ResponseWriter, err error, traceID string) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	if traceID != "" && ee.TraceID == "" {
		copied := *ee
		copied.TraceID = traceID
		ee = &copied
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
