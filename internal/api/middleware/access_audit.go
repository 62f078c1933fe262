package middleware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// Recorder persists an audit event. The service Ingestor satisfies it.
type Recorder interface {
	Ingest(ctx context.Context, raw *audit.Event) (*audit.Event, error)
}

// AccessAuditConfig selects which API calls are written back to the log
type AccessAuditConfig struct {
	Enabled bool `json:"enabled"`

	// Routes are mux patterns such as "GET /api/v1/audit/export"
	Routes []string `json:"routes"`
	// SensitiveRoutes are recorded at MEDIUM severity even on success
	SensitiveRoutes []string `json:"sensitive_routes"`

	ActorHeader   string        `json:"actor_header"`
	SensitiveKeys []string      `json:"sensitive_keys"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultAccessAuditConfig records reads of audit data. Ingestion routes are
// left out so the log does not audit its own writes.
func DefaultAccessAuditConfig() AccessAuditConfig {
	return AccessAuditConfig{
		Enabled: true,
		Routes: []string{
			"GET /api/v1/audit/events",
			"GET /api/v1/audit/events/{id}",
			"GET /api/v1/audit/events/{id}/verify",
			"POST /api/v1/audit/verify",
			"GET /api/v1/audit/analytics",
			"GET /api/v1/audit/export",
		},
		SensitiveRoutes: []string{"GET /api/v1/audit/export"},
		ActorHeader:     "X-Actor-ID",
		SensitiveKeys:   []string{"token", "secret", "key", "password"},
		Timeout:         5 * time.Second,
	}
}

// AccessAudit records one ACCESS_EVENT per matching API call after the
// handler completes
type AccessAudit struct {
	config   AccessAuditConfig
	recorder Recorder
	logger   *zap.Logger

	recorded metric.Int64Counter
	failed   metric.Int64Counter
}

// NewAccessAudit creates the access audit middleware
func NewAccessAudit(config AccessAuditConfig, recorder Recorder, logger *zap.Logger) (*AccessAudit, error) {
	if recorder == nil {
		return nil, fmt.Errorf("access audit requires a recorder")
	}
	if config.ActorHeader == "" {
		config.ActorHeader = "X-Actor-ID"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	meter := otel.Meter("audit.middleware")
	recorded, err := meter.Int64Counter("audit_access_events_recorded_total",
		metric.WithDescription("API calls written to the audit log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create recorded counter: %w", err)
	}
	failed, err := meter.Int64Counter("audit_access_events_failed_total",
		metric.WithDescription("API calls that could not be written to the audit log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	logger.Info("Access audit initialized",
		zap.Bool("enabled", config.Enabled),
		zap.Int("routes", len(config.Routes)))

	return &AccessAudit{
		config:   config,
		recorder: recorder,
		logger:   logger,
		recorded: recorded,
		failed:   failed,
	}, nil
}

// Middleware returns the HTTP middleware. It must sit between the request id
// middleware and the mux so the matched pattern is visible once the handler
// returns.
func (a *AccessAudit) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !a.config.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if !slices.Contains(a.config.Routes, r.Pattern) {
				return
			}
			a.record(r, rec.Header().Get("X-Request-ID"), rec.status, time.Since(start))
		})
	}
}

func (a *AccessAudit) record(r *http.Request, requestID string, status int, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.config.Timeout)
	defer cancel()

	event := a.buildEvent(r, requestID, status, duration)
	attrs := metric.WithAttributes(attribute.String("route", r.Pattern))
	if _, err := a.recorder.Ingest(ctx, event); err != nil {
		a.failed.Add(ctx, 1, attrs)
		a.logger.Error("Failed to record API access",
			zap.String("route", r.Pattern),
			zap.Error(err))
		return
	}
	a.recorded.Add(ctx, 1, attrs)
}

// buildEvent takes the request id from the response headers, where the
// request id middleware puts it even when the client sent none
func (a *AccessAudit) buildEvent(r *http.Request, requestID string, status int, duration time.Duration) *audit.Event {
	outcome, severity := a.classify(r.Pattern, status)

	metadata := audit.Metadata{
		"method":      audit.StringValue(r.Method),
		"path":        audit.StringValue(r.URL.Path),
		"status_code": audit.IntValue(int64(status)),
		"duration_ms": audit.IntValue(duration.Milliseconds()),
		"client_ip":   audit.StringValue(clientIP(r)),
	}
	if requestID != "" {
		metadata["request_id"] = audit.StringValue(requestID)
	}
	if ua := r.UserAgent(); ua != "" {
		metadata["user_agent"] = audit.StringValue(ua)
	}
	if query := a.sanitizeQuery(r); len(query) > 0 {
		metadata["query"] = audit.MapValue(query)
	}

	event := &audit.Event{
		EventType:   audit.EventAccessEvent,
		Category:    audit.CategoryData,
		Severity:    severity,
		Action:      r.Method + " " + routePath(r.Pattern),
		Description: fmt.Sprintf("API call %s returned %d", r.Pattern, status),
		Actor:       a.actor(r),
		Resource:    &audit.Resource{Type: "audit_log", ID: r.PathValue("id")},
		Outcome:     outcome,
		Metadata:    metadata,
		Tags:        []string{"api_access"},
	}
	if status >= http.StatusBadRequest {
		event.ErrorCode = fmt.Sprintf("HTTP_%d", status)
	}
	return event
}

func (a *AccessAudit) classify(pattern string, status int) (audit.Outcome, audit.Severity) {
	switch {
	case status >= http.StatusInternalServerError:
		return audit.OutcomeError, audit.SeverityMedium
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return audit.OutcomeFailure, audit.SeverityMedium
	case status >= http.StatusBadRequest:
		return audit.OutcomeFailure, audit.SeverityLow
	case slices.Contains(a.config.SensitiveRoutes, pattern):
		return audit.OutcomeSuccess, audit.SeverityMedium
	default:
		return audit.OutcomeSuccess, audit.SeverityLow
	}
}

func (a *AccessAudit) actor(r *http.Request) *audit.Actor {
	actor := &audit.Actor{UserID: r.Header.Get(a.config.ActorHeader)}
	if actor.UserID == "" {
		actor.UserID = "ip:" + clientIP(r)
	}
	if cookie, err := r.Cookie("session_id"); err == nil {
		actor.SessionID = cookie.Value
	} else {
		actor.SessionID = r.Header.Get("X-Session-ID")
	}
	return actor
}

// sanitizeQuery copies query parameters, redacting sensitive keys
func (a *AccessAudit) sanitizeQuery(r *http.Request) audit.Metadata {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	out := make(audit.Metadata, len(q))
	for key, values := range q {
		if key == "" || len(key) > audit.MaxMetadataKeyLength {
			continue
		}
		if a.isSensitiveKey(key) {
			out[key] = audit.StringValue("[REDACTED]")
			continue
		}
		out[key] = audit.StringValue(strings.Join(values, ","))
	}
	return out
}

func (a *AccessAudit) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range a.config.SensitiveKeys {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// routePath strips the method from a mux pattern
func routePath(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusWriter captures the response status
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.wroteHeader = true
	return h.Hijack()
}
