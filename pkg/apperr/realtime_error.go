package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeForbidden    = "FORBIDDEN"

	// Realtime errors
	CodeAccessDenied     = "ACCESS_DENIED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnknownEvent     = "UNKNOWN_EVENT"

	// Validation / resource errors
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"

	// External / internal errors
	CodeExternalError = "EXTERNAL_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so sentinel comparisons
// with errors.Is work across constructor calls.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Auth errors
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func InvalidToken(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidToken,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

// AccessDenied is returned when a principal may not subscribe to a channel.
func AccessDenied(channel string) *AppError {
	return &AppError{
		Code:    CodeAccessDenied,
		Message: fmt.Sprintf("access denied to channel %q", channel),
		Status:  http.StatusForbidden,
		Details: map[string]any{"channel": channel},
	}
}

// PermissionDenied is returned when a connection publishes to a channel it is
// not subscribed to.
func PermissionDenied(channel string) *AppError {
	return &AppError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("not subscribed to channel %q", channel),
		Status:  http.StatusForbidden,
		Details: map[string]any{"channel": channel},
	}
}

func InvalidMessage(reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidMessage,
		Message: reason,
		Status:  http.StatusBadRequest,
	}
}

func RateLimited(what string) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("rate limit exceeded: %s", what),
		Status:  http.StatusTooManyRequests,
	}
}

func UnknownEvent(event string) *AppError {
	return &AppError{
		Code:    CodeUnknownEvent,
		Message: fmt.Sprintf("unknown event %q", event),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"event": event},
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

// Common error instances
var (
	ErrAccessDenied     = AccessDenied("")
	ErrPermissionDenied = PermissionDenied("")
	ErrInvalidMessage   = InvalidMessage("invalid message")
	ErrRateLimited      = RateLimited("")
	ErrUnauthorized     = Unauthorized("")
	ErrTimeout          = Timeout("")
	ErrNotFound         = NotFound("resource")
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

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

// WireCode returns the lowercase code sent to realtime clients in error frames.
func WireCode(err error) string {
	return strings.ToLower(AsAppError(err).Code)
}
