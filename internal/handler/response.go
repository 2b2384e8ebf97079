package handler

// RESPONSE HELPERS:
// Every view endpoint answers with JSON. Errors always have one shape:
//
//	{"error": "conflict", "message": "appointment can no longer be cancelled"}
//
// so the UI can branch on "error" and show "message" as-is.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/notification"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string   `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string   `json:"message"`         // Human-readable description
	Field   string   `json:"field,omitempty"` // Offending input field, for validation errors
	Failed  []string `json:"failed,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
// Headers must be set before WriteHeader; anything set afterwards is dropped.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid JSON body",
		})
		return false
	}
	return true
}

// writeError maps a fault to an HTTP status.
//
// ERROR MAPPING:
//
//	ErrValidation   → 400      ErrConflict → 409
//	ErrUnauthorized → 401      ErrNetwork  → 503
//	ErrForbidden    → 403      BulkError   → 207 with the failed ids
//	ErrNotFound     → 404      anything else → 500
//
// BulkError is checked first: it unwraps to its item errors, and a partial
// failure must not be reported as whichever item happened to fail first.
func writeError(w http.ResponseWriter, err error) {
	var bulk *notification.BulkError
	if errors.As(err, &bulk) {
		writeJSON(w, http.StatusMultiStatus, ErrorResponse{
			Error:   "partial_failure",
			Message: bulk.Error(),
			Failed:  bulk.IDs(),
		})
		return
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrUnauthorized):
			status = http.StatusUnauthorized
			errorType = "unauthorized"
		case errors.Is(err, apperror.ErrForbidden):
			status = http.StatusForbidden
			errorType = "forbidden"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
			errorType = "not_found"
		case errors.Is(err, apperror.ErrConflict):
			status = http.StatusConflict
			errorType = "conflict"
		case errors.Is(err, apperror.ErrNetwork):
			status = http.StatusServiceUnavailable
			errorType = "network_unavailable"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	// Raw errors may carry transport or SQL detail; never echo them.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: apperror.UserMessage(err),
	})
}
