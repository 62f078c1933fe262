package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	apperrors "github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/memstore"
	auditsvc "github.com/davidleathers/dependable-audit-engine/internal/service/audit"
)

type testServer struct {
	handler http.Handler
	events  *memstore.EventStore
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorResponse  `json:"error"`
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, signed bool, mutate func(*Config)) *testServer {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := auditsvc.NewMetrics(reg)

	var opts []auditsvc.SealerOption
	if signed {
		signer, err := auditsvc.GenerateSigner()
		require.NoError(t, err)
		opts = append(opts, auditsvc.WithSigner(signer))
	}
	sealer, err := auditsvc.NewSealer(auditsvc.DigestSHA256, logger, opts...)
	require.NoError(t, err)

	events := memstore.NewEventStore()
	alerts := memstore.NewAlertStore()
	aggregator := auditsvc.NewAggregator(events, alerts, sealer, nil, auditsvc.DefaultAnalyticsConfig(), metrics, logger)
	engine := auditsvc.NewAlertEngine(events, alerts, auditsvc.DefaultAlertEngineConfig(), metrics, logger)

	services := Services{
		Ingestor:   auditsvc.NewIngestor(sealer, events, engine, nil, nil, metrics, logger),
		Query:      auditsvc.NewQueryService(events, nil, 0, metrics, logger),
		Verifier:   auditsvc.NewIntegrityVerifier(events, sealer, nil, auditsvc.DefaultVerifierConfig(), metrics, logger),
		Aggregator: aggregator,
		Exporter:   auditsvc.NewExporter(events, aggregator, sealer, auditsvc.ExportConfig{TempDir: t.TempDir()}, metrics, logger),
		Alerts:     engine,
		Sealer:     sealer,
		Store:      events,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.Registry = reg
	if mutate != nil {
		mutate(cfg)
	}
	return &testServer{handler: NewRouter(ctx, cfg, services), events: events}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func eventBody(category string) map[string]interface{} {
	return map[string]interface{}{
		"event_type":  "SECURITY",
		"category":    category,
		"action":      "LOGIN",
		"description": "login attempt",
		"severity":    "MEDIUM",
		"outcome":     "FAILURE",
		"actor":       map[string]interface{}{"user_id": "user-1"},
		"resource":    map[string]interface{}{"type": "session", "id": "s-1"},
		"metadata":    map[string]interface{}{"attempt": 3, "mfa": false},
	}
}

func TestCreateGetVerifyEvent(t *testing.T) {
	srv := newTestServer(t, true, nil)

	rec := srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody("AUTH"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var created audit.Event
	env := decode(t, rec, &created)
	assert.True(t, env.Success)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.True(t, strings.HasPrefix(created.Checksum, "sha256:"), created.Checksum)
	assert.NotEmpty(t, created.Signature)

	rec = srv.do(t, http.MethodGet, "/api/v1/audit/events/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched audit.Event
	decode(t, rec, &fetched)
	assert.Equal(t, created.Checksum, fetched.Checksum)
	assert.Equal(t, "AUTH", fetched.Category)

	rec = srv.do(t, http.MethodGet, "/api/v1/audit/events/"+created.ID.String()+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result audit.VerificationResult
	decode(t, rec, &result)
	assert.True(t, result.Valid)
	assert.Equal(t, created.ID, result.EventID)
}

func TestCreateEventValidation(t *testing.T) {
	srv := newTestServer(t, false, nil)

	missing := eventBody("AUTH")
	delete(missing, "category")

	unknown := eventBody("AUTH")
	unknown["surprise"] = true

	badType := eventBody("AUTH")
	badType["event_type"] = "NOT_A_TYPE"

	nullMeta := eventBody("AUTH")
	nullMeta["metadata"] = map[string]interface{}{"k": nil}

	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{name: "missing category", body: missing, field: "category"},
		{name: "unknown field", body: unknown},
		{name: "unknown event type", body: badType, field: "event_type"},
		{name: "null metadata value", body: nullMeta, field: "metadata"},
		{name: "malformed json", body: `{"event_type":`},
		{name: "empty body", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/api/v1/audit/events", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			env := decode(t, rec, nil)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
			if tt.field != "" {
				assert.Contains(t, env.Error.Fields, tt.field)
			}
		})
	}
}

func TestCreateEventRejectsNonJSON(t *testing.T) {
	srv := newTestServer(t, false, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", strings.NewReader("category=AUTH"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateEventDuplicateID(t *testing.T) {
	srv := newTestServer(t, false, nil)
	body := eventBody("AUTH")
	body["event_id"] = uuid.NewString()

	rec := srv.do(t, http.MethodPost, "/api/v1/audit/events", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodPost, "/api/v1/audit/events", body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	env := decode(t, rec, nil)
	assert.Equal(t, "DUPLICATE_EVENT", env.Error.Code)
}

func TestGetEventErrors(t *testing.T) {
	srv := newTestServer(t, false, nil)

	rec := srv.do(t, http.MethodGet, "/api/v1/audit/events/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RESOURCE_NOT_FOUND", decode(t, rec, nil).Error.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/audit/events/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Fields, "id")
}

func TestBatchCreateEvents(t *testing.T) {
	srv := newTestServer(t, false, nil)

	bad := eventBody("AUTH")
	bad["metadata"] = map[string]interface{}{"k": nil}

	rec := srv.do(t, http.MethodPost, "/api/v1/audit/events/batch", map[string]interface{}{
		"events": []interface{}{eventBody("AUTH"), bad, eventBody("DATA")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp BatchCreateEventsResponse
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 3)

	for i, item := range resp.Results {
		assert.Equal(t, i, item.Index)
	}
	assert.NotNil(t, resp.Results[0].Event)
	assert.Nil(t, resp.Results[1].Event)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Results[1].Error.Code)
	assert.NotNil(t, resp.Results[2].Event)

	rec = srv.do(t, http.MethodPost, "/api/v1/audit/events/batch", map[string]interface{}{"events": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEvents(t *testing.T) {
	srv := newTestServer(t, false, nil)
	for _, category := range []string{"AUTH", "AUTH", "AUTH", "DATA"} {
		rec := srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody(category))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	tests := []struct {
		name     string
		query    string
		status   int
		total    int64
		returned int
	}{
		{name: "all", query: "", status: http.StatusOK, total: 4, returned: 4},
		{name: "by category", query: "?category=AUTH", status: http.StatusOK, total: 3, returned: 3},
		{name: "paged", query: "?category=AUTH&limit=2", status: http.StatusOK, total: 3, returned: 2},
		{name: "no match", query: "?category=BILLING", status: http.StatusOK, total: 0, returned: 0},
		{name: "bad severity", query: "?severity=EXTREME", status: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=abc", status: http.StatusBadRequest},
		{name: "bad date", query: "?start_date=yesterday", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, "/api/v1/audit/events"+tt.query, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				assert.Equal(t, "VALIDATION_ERROR", decode(t, rec, nil).Error.Code)
				return
			}
			var resp SearchResponse
			decode(t, rec, &resp)
			assert.Equal(t, tt.total, resp.TotalCount)
			assert.Len(t, resp.Events, tt.returned)
		})
	}
}

func TestVerifyBatch(t *testing.T) {
	srv := newTestServer(t, false, nil)
	rec := srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody("AUTH"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created audit.Event
	decode(t, rec, &created)

	missing := uuid.New()
	rec = srv.do(t, http.MethodPost, "/api/v1/audit/verify", map[string]interface{}{
		"event_ids": []string{created.ID.String(), missing.String()},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report auditsvc.BatchVerification
	decode(t, rec, &report)
	assert.Equal(t, 1, report.Verified)
	assert.Contains(t, report.NotFound, missing)
}

func TestAnalytics(t *testing.T) {
	srv := newTestServer(t, false, nil)
	at := time.Now().UTC().Add(-time.Hour)
	for _, category := range []string{"AUTH", "AUTH", "DATA"} {
		body := eventBody(category)
		body["timestamp"] = at.Format(time.RFC3339Nano)
		require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/api/v1/audit/events", body).Code)
	}

	rec := srv.do(t, http.MethodGet, "/api/v1/audit/analytics", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	path := fmt.Sprintf("/api/v1/audit/analytics?start_date=%s&end_date=%s",
		at.Add(-time.Hour).Format(time.RFC3339), at.Add(time.Hour).Format(time.RFC3339))
	rec = srv.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snapshot audit.Snapshot
	decode(t, rec, &snapshot)
	assert.Equal(t, int64(3), snapshot.TotalEvents)
	assert.Equal(t, int64(2), snapshot.ByCategory["AUTH"])

	inverted := fmt.Sprintf("/api/v1/audit/analytics?start_date=%s&end_date=%s",
		at.Format(time.RFC3339), at.Add(-time.Hour).Format(time.RFC3339))
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, inverted, nil).Code)
}

func TestExport(t *testing.T) {
	srv := newTestServer(t, true, nil)
	at := time.Now().UTC().Add(-time.Hour)
	body := eventBody("AUTH")
	body["timestamp"] = at.Format(time.RFC3339Nano)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/api/v1/audit/events", body).Code)

	window := fmt.Sprintf("start_date=%s&end_date=%s",
		at.Add(-time.Hour).Format(time.RFC3339), at.Add(time.Hour).Format(time.RFC3339))

	tests := []struct {
		format      string
		contentType string
		ext         string
	}{
		{format: "json", contentType: "application/json", ext: ".json"},
		{format: "csv", contentType: "text/csv; charset=utf-8", ext: ".csv"},
		{format: "text", contentType: "text/plain; charset=utf-8", ext: ".txt"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, "/api/v1/audit/export?format="+tt.format+"&"+window, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			disposition := rec.Header().Get("Content-Disposition")
			assert.True(t, strings.HasPrefix(disposition, "attachment;"), disposition)
			assert.Contains(t, disposition, tt.ext)
			assert.NotZero(t, rec.Body.Len())
			assert.Contains(t, rec.Body.String(), "AUTH")
		})
	}

	rec := srv.do(t, http.MethodGet, "/api/v1/audit/export?format=xml&"+window, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertLifecycle(t *testing.T) {
	srv := newTestServer(t, false, nil)

	rule := map[string]interface{}{
		"rule_id":  "failed-logins",
		"name":     "Repeated failed logins",
		"kind":     "threshold",
		"match":    map[string]interface{}{"categories": []string{"AUTH"}, "outcomes": []string{"FAILURE"}},
		"threshold": map[string]interface{}{
			"count":  2,
			"window": int64(time.Hour),
		},
		"severity": "HIGH",
		"category": "SECURITY",
		"enabled":  true,
	}
	rec := srv.do(t, http.MethodPost, "/api/v1/audit/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	invalid := map[string]interface{}{"rule_id": "broken", "name": "x", "kind": "threshold", "severity": "HIGH"}
	rec = srv.do(t, http.MethodPost, "/api/v1/audit/rules", invalid)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_RULE", decode(t, rec, nil).Error.Code)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody("AUTH")).Code)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/audit/alerts?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list AlertListResponse
	decode(t, rec, &list)
	require.Len(t, list.Alerts, 1)
	alert := list.Alerts[0]
	assert.Equal(t, "failed-logins", alert.RuleID)
	assert.Equal(t, audit.AlertStatusOpen, alert.Status)
	assert.Len(t, alert.EvidenceEventIDs, 2)

	base := "/api/v1/audit/alerts/" + alert.ID.String()
	rec = srv.do(t, http.MethodPost, base+"/acknowledge", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var acked audit.Alert
	decode(t, rec, &acked)
	assert.Equal(t, audit.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, "analyst", acked.AcknowledgedBy)

	rec = srv.do(t, http.MethodPost, base+"/resolve", map[string]string{"actor": "analyst", "note": "user locked"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved audit.Alert
	decode(t, rec, &resolved)
	assert.Equal(t, audit.AlertStatusResolved, resolved.Status)
	assert.Equal(t, "user locked", resolved.ResolutionNote)

	rec = srv.do(t, http.MethodPost, base+"/start", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "ALERT_RESOLVED", decode(t, rec, nil).Error.Code)

	rec = srv.do(t, http.MethodPost, base+"/acknowledge", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/audit/alerts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleToggle(t *testing.T) {
	srv := newTestServer(t, false, nil)
	rule := map[string]interface{}{
		"rule_id":   "exports",
		"name":      "Bulk exports",
		"kind":      "threshold",
		"threshold": map[string]interface{}{"count": 5, "window": int64(time.Minute)},
		"severity":  "MEDIUM",
		"enabled":   true,
	}
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/api/v1/audit/rules", rule).Code)

	rec := srv.do(t, http.MethodPost, "/api/v1/audit/rules/exports/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated audit.AlertRule
	decode(t, rec, &updated)
	assert.False(t, updated.Enabled)

	rec = srv.do(t, http.MethodGet, "/api/v1/audit/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []audit.AlertRule
	decode(t, rec, &rules)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)

	rec = srv.do(t, http.MethodPost, "/api/v1/audit/rules/missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicKey(t *testing.T) {
	signed := newTestServer(t, true, nil)
	rec := signed.do(t, http.MethodGet, "/api/v1/audit/public-key", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var key PublicKeyResponse
	decode(t, rec, &key)
	assert.Equal(t, "Ed25519", key.Algorithm)
	assert.Contains(t, key.PublicKeyPEM, "BEGIN PUBLIC KEY")
	assert.NotEmpty(t, key.KeyID)

	unsigned := newTestServer(t, false, nil)
	rec = unsigned.do(t, http.MethodGet, "/api/v1/audit/public-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, false, nil)
	rec := srv.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report HealthReport
	decode(t, rec, &report)
	assert.Equal(t, HealthStatusPass, report.Status)
	assert.Contains(t, report.Checks, "event_store")

	broken := newTestServer(t, false, func(c *Config) {
		c.ReadinessDeps = map[string]Pinger{"cache": failingPinger{}}
	})
	rec = broken.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decode(t, rec, &report)
	assert.Equal(t, "NOT_READY", env.Error.Code)
	assert.Equal(t, HealthStatusFail, report.Checks["cache"].Status)
	assert.Equal(t, "unavailable", report.Checks["cache"].Error)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, false, func(c *Config) {
		c.RateLimit = 1
		c.RateBurst = 1
	})

	first := srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody("AUTH"))
	require.Equal(t, http.StatusCreated, first.Code)

	second := srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody("AUTH"))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode(t, second, nil).Error.Code)

	// reads are not limited
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/v1/audit/events", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, false, nil)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := srv.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "audit_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="GET /healthz"`)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: &ValidationError{Message: "bad"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "not found", err: apperrors.ErrEventNotFound, status: http.StatusNotFound, code: "RESOURCE_NOT_FOUND"},
		{name: "store", err: apperrors.NewStoreError("append failed"), status: http.StatusServiceUnavailable, code: "STORE_UNAVAILABLE"},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusRequestTimeout, code: "REQUEST_TIMEOUT"},
		{name: "cancelled", err: fmt.Errorf("wrapped: %w", context.Canceled), status: http.StatusRequestTimeout, code: "REQUEST_CANCELLED"},
		{name: "export cancelled", err: apperrors.NewCancelledError("EXPORT_CANCELLED", "export was cancelled").WithCause(context.Canceled), status: http.StatusRequestTimeout, code: "EXPORT_CANCELLED"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	_, resp := errorStatus(errors.New("secret connection string"))
	assert.NotContains(t, resp.Message, "secret")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, remote: "10.0.0.2:1", want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.3"}, remote: "10.0.0.2:1", want: "198.51.100.3"},
		{name: "remote addr", remote: "192.0.2.1:4321", want: "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestIPRateLimiterSweep(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))

	now = now.Add(5 * time.Minute)
	l.sweep()
	assert.Empty(t, l.limiters)
	assert.True(t, l.allow("a"))
}

type fakeSharedLimiter struct {
	allow bool
	err   error
	calls int
	limit int
}

func (f *fakeSharedLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	f.calls++
	f.limit = limit
	return f.allow, f.err
}

func TestSharedRateLimiter(t *testing.T) {
	tests := []struct {
		name   string
		shared *fakeSharedLimiter
		want   []int
	}{
		{name: "shared rejects", shared: &fakeSharedLimiter{allow: false},
			want: []int{http.StatusTooManyRequests}},
		{name: "shared allows beyond local burst", shared: &fakeSharedLimiter{allow: true},
			want: []int{http.StatusCreated, http.StatusCreated}},
		{name: "shared failure falls back to local buckets", shared: &fakeSharedLimiter{err: errors.New("redis down")},
			want: []int{http.StatusCreated, http.StatusTooManyRequests}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, false, func(c *Config) {
				c.RateLimit = 1
				c.RateBurst = 1
				c.SharedLimiter = tt.shared
			})
			for i, want := range tt.want {
				rec := srv.do(t, http.MethodPost, "/api/v1/audit/events", eventBody("AUTH"))
				assert.Equal(t, want, rec.Code, "request %d", i)
			}
			assert.Equal(t, len(tt.want), tt.shared.calls)
			assert.Equal(t, 1, tt.shared.limit)
		})
	}
}
