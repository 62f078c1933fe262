package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds API configuration
type Config struct {
	Version        string
	MaxQueryLimit  int
	RateLimit      float64
	RateBurst      int
	SharedLimiter  SharedLimiter
	HealthTimeout  time.Duration
	Registry       *prometheus.Registry
	AlertStream    http.Handler
	AccessAudit    func(http.Handler) http.Handler
	Logger         *zap.Logger
	ReadinessDeps  map[string]Pinger
	DisableMetrics bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version:       "v1",
		MaxQueryLimit: 100,
		RateLimit:     100,
		RateBurst:     200,
		HealthTimeout: 5 * time.Second,
		Logger:        zap.NewNop(),
	}
}

// NewRouter builds the HTTP surface. ctx bounds background work such as the
// rate limiter sweeper.
func NewRouter(ctx context.Context, config *Config, services Services) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	mux := http.NewServeMux()
	base := NewBaseHandler(config.Version, config.Logger)
	limited := RateLimitMiddleware(ctx, config.RateLimit, config.RateBurst, config.SharedLimiter, config.Logger)

	NewAuditHandler(base, services, config.MaxQueryLimit).RegisterRoutes(mux, limited)
	NewAlertHandler(base, services.Alerts).RegisterRoutes(mux)

	health := NewHealthService(config.Version, config.HealthTimeout)
	if services.Store != nil {
		health.AddCheck("event_store", services.Store)
	}
	for name, dep := range config.ReadinessDeps {
		health.AddCheck(name, dep)
	}
	NewHealthHandler(base, health).RegisterRoutes(mux)

	if config.AlertStream != nil {
		mux.Handle("GET /api/v1/audit/alerts/stream", config.AlertStream)
	}
	if !config.DisableMetrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{Registry: config.Registry}))
	}

	chain := []Middleware{
		RecoveryMiddleware(config.Logger),
		RequestIDMiddleware(),
		LoggingMiddleware(config.Logger),
	}
	if config.AccessAudit != nil {
		chain = append(chain, config.AccessAudit)
	}
	// Metrics stays innermost so it sees the pattern the mux matched.
	chain = append(chain, MetricsMiddleware(NewHTTPMetrics(config.Registry)))
	return Chain(mux, chain...)
}
