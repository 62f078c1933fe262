package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthCheckResult is the outcome of one dependency check
type HealthCheckResult struct {
	Status       HealthStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	ResponseTime string       `json:"response_time"`
}

// HealthReport is the body of /healthz and /readyz
type HealthReport struct {
	Status  HealthStatus                 `json:"status"`
	Version string                       `json:"version"`
	Uptime  string                       `json:"uptime"`
	Checks  map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService runs readiness checks against registered dependencies
type HealthService struct {
	mu        sync.RWMutex
	checks    map[string]Pinger
	timeout   time.Duration
	version   string
	startTime time.Time
}

// NewHealthService creates a health service
func NewHealthService(version string, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthService{
		checks:    make(map[string]Pinger),
		timeout:   timeout,
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a dependency checked by readiness
func (s *HealthService) AddCheck(name string, p Pinger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = p
}

// Ready runs every check concurrently and reports the combined status
func (s *HealthService) Ready(ctx context.Context) HealthReport {
	s.mu.RLock()
	checks := make(map[string]Pinger, len(s.checks))
	for name, p := range s.checks {
		checks[name] = p
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]HealthCheckResult, len(checks))
	var g errgroup.Group
	for name, p := range checks {
		g.Go(func() error {
			start := time.Now()
			res := HealthCheckResult{Status: HealthStatusPass}
			if err := p.Ping(ctx); err != nil {
				res.Status = HealthStatusFail
				res.Error = "unavailable"
			}
			res.ResponseTime = time.Since(start).String()

			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := s.report(HealthStatusPass)
	report.Checks = results
	for _, res := range results {
		if res.Status == HealthStatusFail {
			report.Status = HealthStatusFail
		}
	}
	return report
}

func (s *HealthService) report(status HealthStatus) HealthReport {
	return HealthReport{
		Status:  status,
		Version: s.version,
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
	}
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	*BaseHandler
	health *HealthService
}

// NewHealthHandler creates the health handler
func NewHealthHandler(base *BaseHandler, health *HealthService) *HealthHandler {
	return &HealthHandler{BaseHandler: base, health: health}
}

// RegisterRoutes registers /healthz and /readyz on mux
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleLiveness)
	mux.HandleFunc("GET /readyz", h.handleReadiness)
}

func (h *HealthHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, r, http.StatusOK, h.health.report(HealthStatusPass), time.Now())
}

func (h *HealthHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report := h.health.Ready(r.Context())
	if report.Status == HealthStatusPass {
		h.writeSuccess(w, r, http.StatusOK, report, start)
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, ResponseEnvelope{
		Success: false,
		Data:    report,
		Error:   &ErrorResponse{Code: "NOT_READY", Message: "One or more dependencies are unavailable"},
		Meta:    h.meta(r, start),
	})
}
