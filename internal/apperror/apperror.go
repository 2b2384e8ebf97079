// Package apperror defines the fault taxonomy shared by every component of the
// client core.
//
// FOUR KINDS OF FAULT:
//
//	AuthFault       → ErrUnauthorized  (expired/invalid/missing token, recoverable by re-login)
//	ValidationFault → ErrValidation    (bad input, resolved locally, never sent to the network)
//	NetworkFault    → ErrNetwork       (unreachable, timeout, 5xx; the user retries)
//	NotFoundFault   → ErrNotFound      (entity missing server-side)
//
// ErrConflict and ErrForbidden are kept for definitive server rejections that
// are neither auth nor validation problems (e.g. cancelling a completed visit).
//
// Every constructor returns an *AppError that wraps one of the sentinels, so
// callers branch with errors.Is and extract the human-readable text with
// errors.As.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNetwork      = errors.New("network unavailable")
)

type AppError struct {
	Err     error  // sentinel
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: lower-level error (transport, decoding)
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized returns an AuthFault. The message is what the backend said
// (or a local description such as "session expired").
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Network returns a NetworkFault wrapping the transport error.
// op names what was being attempted, e.g. "fetching queue status".
func Network(op string, cause error) *AppError {
	msg := "network unavailable"
	if op != "" {
		msg = fmt.Sprintf("network unavailable while %s", op)
	}
	return &AppError{
		Err:     ErrNetwork,
		Message: msg,
		Cause:   cause,
	}
}

// WithMessage returns an AppError of the given kind carrying a server-supplied message.
func WithMessage(kind error, message string) *AppError {
	return &AppError{Err: kind, Message: message}
}

// authFaultHints are lower-cased fragments that identify an authentication
// fault when an error did not come through the typed path (e.g. a token
// source failing inside the oauth2 transport).
var authFaultHints = []string{
	"token expired",
	"token is expired",
	"session expired",
	"invalid token",
	"unauthorized",
	"unauthenticated",
	"not authenticated",
	"credentials rejected",
	"invalid credentials",
}

// IsAuthFault reports whether err means "the current token cannot be used".
func IsAuthFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range authFaultHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// UserMessage returns the text to show a patient for err.
// Typed errors surface their own message; anything else is generic so raw
// transport details never reach the UI.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Something went wrong. Please try again."
}
