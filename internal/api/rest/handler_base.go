package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ResponseMeta contains response metadata
type ResponseMeta struct {
	RequestID    string    `json:"request_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// ErrorResponse is the error part of the envelope. It carries a stable code
// and a readable message, never internal causes.
type ErrorResponse struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
	TraceID string              `json:"trace_id,omitempty"`
}

// HandlerFunc returns the response payload or an error. A *StreamResponse
// payload is copied to the client as-is instead of being wrapped.
type HandlerFunc func(ctx context.Context, r *http.Request) (interface{}, error)

// StreamResponse is a raw body with its content descriptor
type StreamResponse struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

type handlerConfig struct {
	maxBodySize   int64
	timeout       time.Duration
	successStatus int
}

// HandlerOption customises a wrapped handler
type HandlerOption func(*handlerConfig)

// WithTimeout bounds the handler's context
func WithTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) { c.timeout = d }
}

// WithMaxBodySize limits the request body
func WithMaxBodySize(n int64) HandlerOption {
	return func(c *handlerConfig) { c.maxBodySize = n }
}

// WithStatus sets the status written on success
func WithStatus(status int) HandlerOption {
	return func(c *handlerConfig) { c.successStatus = status }
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	validator  *validator.Validate
	tracer     trace.Tracer
	logger     *zap.Logger
	apiVersion string
}

// NewBaseHandler creates a base handler
func NewBaseHandler(apiVersion string, logger *zap.Logger) *BaseHandler {
	v := validator.New()
	// Report json field names instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &BaseHandler{
		validator:  v,
		tracer:     otel.Tracer("api.rest"),
		logger:     logger,
		apiVersion: apiVersion,
	}
}

// WrapHandler adapts a HandlerFunc to http.HandlerFunc: it traces the call,
// bounds the body and the context, and writes the envelope
func (h *BaseHandler) WrapHandler(method, pattern string, handler HandlerFunc, opts ...HandlerOption) http.HandlerFunc {
	cfg := &handlerConfig{
		maxBodySize:   1 << 20,
		timeout:       30 * time.Second,
		successStatus: http.StatusOK,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := h.tracer.Start(r.Context(), fmt.Sprintf("%s %s", method, pattern),
			trace.WithAttributes(
				attribute.String("http.method", method),
				attribute.String("http.route", pattern),
			),
		)
		defer span.End()

		if cfg.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.maxBodySize)
		}
		r = r.WithContext(ctx)

		res, err := handler(ctx, r)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.handleError(w, r, err, start)
			return
		}

		if stream, ok := res.(*StreamResponse); ok {
			h.writeStream(w, r, stream)
			return
		}
		h.writeSuccess(w, r, cfg.successStatus, res, start)
	}
}

// ParseAndValidate decodes the JSON body into v and runs struct validation
func (h *BaseHandler) ParseAndValidate(r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return &ValidationError{Message: "Content-Type must be application/json"}
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return h.parseBodyError(err)
	}
	if err := h.validator.Struct(v); err != nil {
		return h.formatValidationError(err)
	}
	return nil
}

// parseBodyError converts body reading errors to validation errors
func (h *BaseHandler) parseBodyError(err error) error {
	var maxBytesError *http.MaxBytesError
	if errors.As(err, &maxBytesError) {
		return &ValidationError{
			Message: fmt.Sprintf("Request body too large (max %d bytes)", maxBytesError.Limit),
		}
	}
	if errors.Is(err, io.EOF) {
		return &ValidationError{Message: "Request body is required"}
	}
	return &ValidationError{Message: "Invalid JSON: " + err.Error()}
}

// formatValidationError converts validator errors to field messages
func (h *BaseHandler) formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ValidationError{Message: "Validation error"}
	}

	fields := make(map[string][]string)
	for _, fe := range validationErrors {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "This field is required"
		case "min":
			msg = fmt.Sprintf("Minimum value is %s", fe.Param())
		case "max":
			msg = fmt.Sprintf("Maximum value is %s", fe.Param())
		case "uuid", "uuid4":
			msg = "Must be a valid UUID"
		case "oneof":
			msg = fmt.Sprintf("Must be one of: %s", fe.Param())
		case "gtfield":
			msg = fmt.Sprintf("Must be after %s", fe.Param())
		default:
			msg = fmt.Sprintf("Failed %s validation", fe.Tag())
		}
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		fields[field] = append(fields[field], msg)
	}

	return &ValidationError{
		Message: "Validation failed",
		Fields:  fields,
	}
}

// writeSuccess writes a successful response
func (h *BaseHandler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}, start time.Time) {
	h.writeJSON(w, status, ResponseEnvelope{
		Success: true,
		Data:    data,
		Meta:    h.meta(r, start),
	})
}

// writeStream copies a raw body to the client
func (h *BaseHandler) writeStream(w http.ResponseWriter, r *http.Request, stream *StreamResponse) {
	defer stream.Body.Close()

	w.Header().Set("Content-Type", stream.ContentType)
	if stream.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stream.Filename))
	}
	if stream.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", stream.Size))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, stream.Body); err != nil {
		h.logger.Warn("Failed to stream response body",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
}

func (h *BaseHandler) meta(r *http.Request, start time.Time) ResponseMeta {
	return ResponseMeta{
		RequestID:    RequestIDFromContext(r.Context()),
		Timestamp:    time.Now().UTC(),
		Version:      h.apiVersion,
		ResponseTime: time.Since(start).String(),
	}
}

func (h *BaseHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
