package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels classified by Code.
var (
	// Authentication & Authorization
	ErrAuthFailed   = errors.New("authentication failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("action forbidden")

	// Tickets and rooms
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrTicketIDRequired = errors.New("ticket ID is required")
	ErrNotJoined        = errors.New("connection has not joined this ticket")

	// Chat messages
	ErrInvalidMessage = errors.New("message content is empty")
	ErrContentTooLong = errors.New("message content exceeds maximum length")

	// Infrastructure
	ErrStoreUnavailable = errors.New("store unavailable")

	// Generic
	ErrNotFound     = errors.New("resource not found")
	ErrInternal     = errors.New("internal server error")
	ErrBadRequest   = errors.New("bad request")
	ErrUnknownEvent = errors.New("unknown event type")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Wire error codes surfaced to a connection.
const (
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInternal       = "INTERNAL_ERROR"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeNotJoined      = "NOT_JOINED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeBadRequest     = "BAD_REQUEST"
)

// HTTP-only codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeValidation   = "VALIDATION_ERROR"
)

// Code maps an error to the code surfaced on the realtime channel.
// Anything unrecognised is treated as a transient infrastructure failure.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrUnauthorized):
		return CodeAuthFailed
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrTicketNotFound), errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrContentTooLong):
		return CodeInvalidMessage
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrTicketIDRequired):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// Retryable reports whether a client may retry the same request unchanged.
func Retryable(err error) bool {
	return Code(err) == CodeInternal
}

// Unavailable wraps a store failure so it is classified as transient while
// keeping the cause for logs.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// AppError carries an explicit HTTP status for failures raised directly by
// handlers rather than classified from a sentinel.
type AppError struct {
	Err        error
	Message    string // Safe to show to the caller
	Code       string
	StatusCode int
	Details    map[string]any
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newAppError(status int, code, message string, cause error) *AppError {
	return &AppError{Err: cause, Message: message, Code: code, StatusCode: status}
}

// NewBadRequestError reports a malformed request.
func NewBadRequestError(cause error, message string) *AppError {
	return newAppError(http.StatusBadRequest, CodeBadRequest, message, cause)
}

// NewUnauthorizedError reports a missing or rejected credential.
func NewUnauthorizedError(message string) *AppError {
	return newAppError(http.StatusUnauthorized, CodeUnauthorized, message, ErrUnauthorized)
}

// NewPayloadTooLargeError reports a request body over limit bytes.
func NewPayloadTooLargeError(cause error, limit int64) *AppError {
	return newAppError(http.StatusRequestEntityTooLarge, CodeBadRequest,
		fmt.Sprintf("Request body exceeds %d bytes", limit), cause)
}

// ValidationErrors collects messages per request field.
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{Errors: make(map[string][]string)}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}
