package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	mw "github.com/lorrc/service-desk-collab/internal/adapters/primary/http/middleware"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

// ErrorResponse is the JSON body of every failed API call. It uses the same
// codes as error frames on the realtime channel.
type ErrorResponse = mw.Problem

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	return mw.GetRequestID(ctx)
}

// ErrorHandler renders errors returned by handlers.
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger.With("component", "http_errors")}
}

// Handle classifies err and writes the matching status and body.
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.describe(err)

	level := slog.LevelDebug
	switch {
	case status >= 500:
		level = slog.LevelError
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		level = slog.LevelWarn
	}
	h.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", body.Code,
		"error", err,
	)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	mw.WriteProblem(w, r, status, body)
}

func (h *ErrorHandler) describe(err error) (int, ErrorResponse) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode, ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
		}
	}

	var fields *apperrors.ValidationErrors
	if errors.As(err, &fields) {
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "Validation failed",
			Code:   apperrors.CodeValidation,
			Fields: fields.Errors,
		}
	}

	code := apperrors.Code(err)
	resp := ErrorResponse{Code: code, Retryable: apperrors.Retryable(err)}
	switch code {
	case apperrors.CodeAuthFailed:
		resp.Error = "Authentication required"
		return http.StatusUnauthorized, resp
	case apperrors.CodeForbidden:
		resp.Error = "You do not have access to this ticket"
		return http.StatusForbidden, resp
	case apperrors.CodeNotFound:
		resp.Error = "Resource not found"
		return http.StatusNotFound, resp
	case apperrors.CodeNotJoined:
		resp.Error = err.Error()
		return http.StatusConflict, resp
	case apperrors.CodeRateLimited:
		resp.Error = "Too many requests"
		return http.StatusTooManyRequests, resp
	case apperrors.CodeInvalidMessage, apperrors.CodeBadRequest:
		resp.Error = err.Error()
		return http.StatusBadRequest, resp
	}

	// Store outages and timeouts map to 503.
	if errors.Is(err, apperrors.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		resp.Error = "Temporary failure, please retry"
		return http.StatusServiceUnavailable, resp
	}
	resp.Error = "An unexpected error occurred"
	return http.StatusInternalServerError, resp
}

// HandleError renders err if non-nil and reports whether it did.
func HandleError(w http.ResponseWriter, r *http.Request, err error, handler *ErrorHandler) bool {
	if err == nil {
		return false
	}
	handler.Handle(w, r, err)
	return true
}
