// Package apperr defines the errors handlers return to API clients. Each
// carries a stable code and the HTTP status it maps to.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeTokenRevoked  = "TOKEN_REVOKED"
	CodeStateMismatch = "STATE_MISMATCH"
	CodeForbidden     = "FORBIDDEN"

	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"
	CodeMissingField = "MISSING_FIELD"

	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeRunInProgress = "RUN_IN_PROGRESS"
	CodeRateLimited   = "RATE_LIMITED"

	CodeOAuthFailed   = "OAUTH_FAILED"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"
	CodeQueueError    = "QUEUE_ERROR"

	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError is rendered by the error middleware as {code, message, details}.
// Err is logged but never sent to the client.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// New builds an error for codes without a dedicated constructor.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// WithDetail adds key to the details sent to the client.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func caused(e *AppError, err error) *AppError {
	e.Err = err
	return e
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, http.StatusUnauthorized)
}

func StateMismatch() *AppError {
	return New(CodeStateMismatch, "oauth state mismatch", http.StatusBadRequest)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *AppError {
	e := New(CodeInvalidInput, fmt.Sprintf("invalid input for '%s': %s", field, reason), http.StatusBadRequest)
	return e.WithDetail("field", field)
}

func MissingField(field string) *AppError {
	e := New(CodeMissingField, "missing required field: "+field, http.StatusBadRequest)
	return e.WithDetail("field", field)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

// RunInProgress is returned while another archive run holds the user's lock.
func RunInProgress(userKey string) *AppError {
	e := New(CodeRunInProgress, "an archive run is already in progress for this user", http.StatusConflict)
	return e.WithDetail("user", userKey)
}

func OAuthFailed(provider string, err error) *AppError {
	e := New(CodeOAuthFailed, "OAuth failed for "+provider, http.StatusBadGateway)
	return caused(e.WithDetail("provider", provider), err)
}

func DatabaseError(operation string, err error) *AppError {
	return caused(New(CodeDatabaseError, "database error: "+operation, http.StatusInternalServerError), err)
}

func ExternalError(service string, err error) *AppError {
	e := New(CodeExternalError, "external service error: "+service, http.StatusBadGateway)
	return caused(e.WithDetail("service", service), err)
}

func QueueError(err error) *AppError {
	return caused(New(CodeQueueError, "failed to enqueue job", http.StatusServiceUnavailable), err)
}

func InternalWithError(err error) *AppError {
	return caused(New(CodeInternalError, "internal server error", http.StatusInternalServerError), err)
}

func ConfigError(message string) *AppError {
	return New(CodeConfigError, message, http.StatusInternalServerError)
}

// AsAppError unwraps err to an AppError, treating anything else as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
