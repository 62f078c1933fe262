package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// AlertHandler serves the alert lifecycle and rule management
type AlertHandler struct {
	*BaseHandler
	alerts AlertManager
}

// NewAlertHandler creates the alert handler
func NewAlertHandler(base *BaseHandler, alerts AlertManager) *AlertHandler {
	return &AlertHandler{BaseHandler: base, alerts: alerts}
}

// RegisterRoutes registers the alert and rule routes on mux
func (h *AlertHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/audit/alerts",
		h.WrapHandler("GET", "/api/v1/audit/alerts", h.handleListAlerts))
	mux.Handle("GET /api/v1/audit/alerts/summary",
		h.WrapHandler("GET", "/api/v1/audit/alerts/summary", h.handleAlertSummary))
	mux.Handle("GET /api/v1/audit/alerts/{id}",
		h.WrapHandler("GET", "/api/v1/audit/alerts/{id}", h.handleGetAlert))
	mux.Handle("POST /api/v1/audit/alerts/{id}/acknowledge",
		h.WrapHandler("POST", "/api/v1/audit/alerts/{id}/acknowledge", h.handleAcknowledge))
	mux.Handle("POST /api/v1/audit/alerts/{id}/start",
		h.WrapHandler("POST", "/api/v1/audit/alerts/{id}/start", h.handleStartProgress))
	mux.Handle("POST /api/v1/audit/alerts/{id}/resolve",
		h.WrapHandler("POST", "/api/v1/audit/alerts/{id}/resolve", h.handleResolve))

	mux.Handle("GET /api/v1/audit/rules",
		h.WrapHandler("GET", "/api/v1/audit/rules", h.handleListRules))
	mux.Handle("POST /api/v1/audit/rules",
		h.WrapHandler("POST", "/api/v1/audit/rules", h.handleRegisterRule,
			WithStatus(http.StatusCreated)))
	mux.Handle("POST /api/v1/audit/rules/{id}/enable",
		h.WrapHandler("POST", "/api/v1/audit/rules/{id}/enable", h.ruleToggle(true)))
	mux.Handle("POST /api/v1/audit/rules/{id}/disable",
		h.WrapHandler("POST", "/api/v1/audit/rules/{id}/disable", h.ruleToggle(false)))
}

func (h *AlertHandler) handleListAlerts(ctx context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	var filter audit.AlertFilter
	for _, v := range listParam(q, "status") {
		status := audit.AlertStatus(strings.ToUpper(v))
		if !status.IsValid() {
			return nil, fieldError("status", "Must be one of: OPEN ACKNOWLEDGED IN_PROGRESS RESOLVED")
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, v := range listParam(q, "severity") {
		sev, err := audit.ParseSeverity(v)
		if err != nil {
			return nil, fieldError("severity", err.Error())
		}
		filter.Severities = append(filter.Severities, sev)
	}
	filter.RuleID = q.Get("rule_id")

	var err error
	if filter.Limit, err = intParam(q, "limit"); err != nil {
		return nil, err
	}
	if filter.Offset, err = intParam(q, "offset"); err != nil {
		return nil, err
	}

	alerts, total, err := h.alerts.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &AlertListResponse{Alerts: alerts, TotalCount: total}, nil
}

func (h *AlertHandler) handleAlertSummary(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.alerts.Summary(ctx)
}

func (h *AlertHandler) handleGetAlert(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := pathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.alerts.Get(ctx, id)
}

func (h *AlertHandler) handleAcknowledge(ctx context.Context, r *http.Request) (interface{}, error) {
	id, req, err := h.transitionRequest(r)
	if err != nil {
		return nil, err
	}
	return h.alerts.Acknowledge(ctx, id, req.Actor)
}

func (h *AlertHandler) handleStartProgress(ctx context.Context, r *http.Request) (interface{}, error) {
	id, req, err := h.transitionRequest(r)
	if err != nil {
		return nil, err
	}
	return h.alerts.StartProgress(ctx, id, req.Actor)
}

func (h *AlertHandler) handleResolve(ctx context.Context, r *http.Request) (interface{}, error) {
	id, req, err := h.transitionRequest(r)
	if err != nil {
		return nil, err
	}
	return h.alerts.Resolve(ctx, id, req.Actor, req.Note)
}

func (h *AlertHandler) transitionRequest(r *http.Request) (uuid.UUID, AlertTransitionRequest, error) {
	var req AlertTransitionRequest
	id, err := pathUUID(r, "id")
	if err != nil {
		return id, req, err
	}
	if err := h.ParseAndValidate(r, &req); err != nil {
		return id, req, err
	}
	return id, req, nil
}

func (h *AlertHandler) handleListRules(ctx context.Context, r *http.Request) (interface{}, error) {
	return h.alerts.Rules(), nil
}

func (h *AlertHandler) handleRegisterRule(ctx context.Context, r *http.Request) (interface{}, error) {
	var rule audit.AlertRule
	if err := h.ParseAndValidate(r, &rule); err != nil {
		return nil, err
	}
	if err := h.alerts.RegisterRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (h *AlertHandler) ruleToggle(enabled bool) HandlerFunc {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		id := r.PathValue("id")
		if err := h.alerts.SetRuleEnabled(id, enabled); err != nil {
			return nil, err
		}
		for _, rule := range h.alerts.Rules() {
			if rule.ID == id {
				return rule, nil
			}
		}
		return nil, errors.NewNotFoundError("alert rule")
	}
}
