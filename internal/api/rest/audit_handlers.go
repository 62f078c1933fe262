package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	auditsvc "github.com/davidleathers/dependable-audit-engine/internal/service/audit"
)

// AuditHandler serves event ingestion, search, verification, analytics and
// export
type AuditHandler struct {
	*BaseHandler
	services Services
	maxLimit int
}

// NewAuditHandler creates the audit event handler
func NewAuditHandler(base *BaseHandler, services Services, maxLimit int) *AuditHandler {
	return &AuditHandler{
		BaseHandler: base,
		services:    services,
		maxLimit:    maxLimit,
	}
}

// RegisterRoutes registers the event routes on mux
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux, limited Middleware) {
	mux.Handle("POST /api/v1/audit/events", limited(
		h.WrapHandler("POST", "/api/v1/audit/events", h.handleCreateEvent,
			WithStatus(http.StatusCreated),
			WithMaxBodySize(256<<10),
		),
	))
	mux.Handle("POST /api/v1/audit/events/batch", limited(
		h.WrapHandler("POST", "/api/v1/audit/events/batch", h.handleCreateEventBatch,
			WithMaxBodySize(16<<20),
			WithTimeout(time.Minute),
		),
	))
	mux.Handle("GET /api/v1/audit/events",
		h.WrapHandler("GET", "/api/v1/audit/events", h.handleSearchEvents))
	mux.Handle("GET /api/v1/audit/events/{id}",
		h.WrapHandler("GET", "/api/v1/audit/events/{id}", h.handleGetEvent))
	mux.Handle("GET /api/v1/audit/events/{id}/verify",
		h.WrapHandler("GET", "/api/v1/audit/events/{id}/verify", h.handleVerifyEvent))
	mux.Handle("POST /api/v1/audit/verify", limited(
		h.WrapHandler("POST", "/api/v1/audit/verify", h.handleVerifyBatch,
			WithTimeout(2*time.Minute),
		),
	))
	mux.Handle("GET /api/v1/audit/analytics",
		h.WrapHandler("GET", "/api/v1/audit/analytics", h.handleAnalytics,
			WithTimeout(2*time.Minute),
		))
	mux.Handle("GET /api/v1/audit/export", limited(
		h.WrapHandler("GET", "/api/v1/audit/export", h.handleExport,
			WithTimeout(10*time.Minute),
		),
	))
	mux.Handle("GET /api/v1/audit/public-key",
		h.WrapHandler("GET", "/api/v1/audit/public-key", h.handlePublicKey))
}

func (h *AuditHandler) handleCreateEvent(ctx context.Context, r *http.Request) (interface{}, error) {
	var req CreateEventRequest
	if err := h.ParseAndValidate(r, &req); err != nil {
		return nil, err
	}
	raw, err := req.ToEvent()
	if err != nil {
		return nil, err
	}
	return h.services.Ingestor.Ingest(ctx, raw)
}

func (h *AuditHandler) handleCreateEventBatch(ctx context.Context, r *http.Request) (interface{}, error) {
	var req BatchCreateEventsRequest
	if err := h.ParseAndValidate(r, &req); err != nil {
		return nil, err
	}

	resp := &BatchCreateEventsResponse{Results: make([]BatchItemResponse, len(req.Events))}
	raws := make([]*audit.Event, 0, len(req.Events))
	positions := make([]int, 0, len(req.Events))
	for i := range req.Events {
		raw, err := req.Events[i].ToEvent()
		if err != nil {
			_, body := errorStatus(err)
			resp.Results[i] = BatchItemResponse{Index: i, Error: body}
			resp.Rejected++
			continue
		}
		raws = append(raws, raw)
		positions = append(positions, i)
	}

	for _, item := range h.services.Ingestor.IngestBatch(ctx, raws) {
		index := positions[item.Index]
		if item.Error != nil {
			_, body := errorStatus(item.Error)
			resp.Results[index] = BatchItemResponse{Index: index, Error: body}
			resp.Rejected++
			continue
		}
		resp.Results[index] = BatchItemResponse{Index: index, Event: item.Event}
		resp.Accepted++
	}
	return resp, nil
}

func (h *AuditHandler) handleSearchEvents(ctx context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		return nil, err
	}
	sort, err := audit.ParseSort(q.Get("sort"))
	if err != nil {
		return nil, err
	}

	result, err := h.services.Query.Search(ctx, filter, sort)
	if err != nil {
		return nil, err
	}
	paged := filter.Normalize(h.maxLimit)
	return &SearchResponse{
		Events:     result.Events,
		TotalCount: result.TotalCount,
		Limit:      paged.Limit,
		Offset:     paged.Offset,
		Skipped:    result.Skipped,
	}, nil
}

func (h *AuditHandler) handleGetEvent(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := pathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.services.Query.Get(ctx, id)
}

func (h *AuditHandler) handleVerifyEvent(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := pathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.services.Verifier.Verify(ctx, id)
}

func (h *AuditHandler) handleVerifyBatch(ctx context.Context, r *http.Request) (interface{}, error) {
	var req VerifyBatchRequest
	if err := h.ParseAndValidate(r, &req); err != nil {
		return nil, err
	}
	return h.services.Verifier.VerifyBatch(ctx, req.EventIDs)
}

func (h *AuditHandler) handleAnalytics(ctx context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	window, err := parseWindow(q)
	if err != nil {
		return nil, err
	}
	filter, err := parseFilter(q)
	if err != nil {
		return nil, err
	}
	return h.services.Aggregator.Aggregate(ctx, window, filter)
}

func (h *AuditHandler) handleExport(ctx context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	format, err := auditsvc.ParseExportFormat(q.Get("format"))
	if err != nil {
		return nil, err
	}
	window, err := parseWindow(q)
	if err != nil {
		return nil, err
	}
	filter, err := parseFilter(q)
	if err != nil {
		return nil, err
	}

	result, err := h.services.Exporter.Export(ctx, auditsvc.ExportRequest{
		Format: format,
		Window: window,
		Filter: filter,
	})
	if err != nil {
		return nil, err
	}
	return &StreamResponse{
		Body:        result.Body,
		ContentType: result.ContentType,
		Filename:    result.Filename,
		Size:        result.Size,
	}, nil
}

func (h *AuditHandler) handlePublicKey(ctx context.Context, r *http.Request) (interface{}, error) {
	signer := h.services.Sealer.Signer()
	if signer == nil {
		return nil, errors.NewNotFoundError("signing key")
	}
	pemData, err := signer.PublicKeyPEM()
	if err != nil {
		return nil, errors.NewCryptoError("PUBLIC_KEY_UNAVAILABLE", "public key cannot be encoded").WithCause(err)
	}
	return &PublicKeyResponse{
		KeyID:        signer.KeyID(),
		Algorithm:    "Ed25519",
		PublicKeyPEM: pemData,
		Digest:       h.services.Sealer.Algorithm(),
	}, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fieldError(name, "Must be a valid UUID")
	}
	return id, nil
}
