package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// ValidationError reports malformed request input found before the request
// reaches a service
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// errorStatus maps an error to its HTTP status and client-facing body.
// Unknown errors never expose their text.
func errorStatus(err error) (int, *ErrorResponse) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: validationErr.Message,
			Fields:  validationErr.Fields,
		}
	}

	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		message := appErr.Message
		if appErr.Type == domainErrors.ErrorTypeInternal {
			message = "An internal error occurred"
		}
		return status, &ErrorResponse{Code: appErr.Code, Message: message}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, &ErrorResponse{
			Code:    "REQUEST_TIMEOUT",
			Message: "The request took too long to process",
		}
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, &ErrorResponse{
			Code:    "REQUEST_CANCELLED",
			Message: "The request was cancelled",
		}
	}

	return http.StatusInternalServerError, &ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
}

// handleError writes the error envelope and logs server-side failures
func (h *BaseHandler) handleError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	status, body := errorStatus(err)

	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("code", body.Code),
			zap.Error(err))
	} else {
		h.logger.Debug("Request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("code", body.Code),
			zap.Error(err))
	}

	if status == http.StatusTooManyRequests || domainErrors.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}

	h.writeJSON(w, status, ResponseEnvelope{
		Success: false,
		Error:   body,
		Meta:    h.meta(r, start),
	})
}
