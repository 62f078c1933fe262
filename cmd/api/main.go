package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/api/middleware"
	"github.com/davidleathers/dependable-audit-engine/internal/api/rest"
	"github.com/davidleathers/dependable-audit-engine/internal/api/websocket"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/config"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/database"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/events"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/memstore"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/telemetry"
	auditsvc "github.com/davidleathers/dependable-audit-engine/internal/service/audit"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Audit engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// stores bundles the repositories the services run on
type stores struct {
	events audit.EventRepository
	alerts audit.AlertRepository
	ping   rest.Pinger
	close  func()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Enabled:        cfg.Telemetry.Enabled,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shut down telemetry", zap.Error(err))
		}
	}()

	reg := newRegistry(cfg.Version)
	metrics := auditsvc.NewMetrics(reg)

	st, err := openStores(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return err
	}

	readiness := map[string]rest.Pinger{}

	var (
		auditCache    *cache.AuditCache
		sharedLimiter rest.SharedLimiter
	)
	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(&cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cacheConfig := cache.DefaultAuditCacheConfig()
		cacheConfig.VerificationTTL = cfg.Redis.VerificationTTL
		cacheConfig.SnapshotTTL = cfg.Redis.SnapshotTTL
		auditCache, err = cache.NewAuditCache(client, logger, cacheConfig)
		if err != nil {
			return fmt.Errorf("failed to create audit cache: %w", err)
		}
		defer auditCache.Close()
		readiness["cache"] = auditCache

		limiter, err := cache.NewRateLimiter(client, logger)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		sharedLimiter = limiter
	}

	var publisher auditsvc.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaPublisher(&cfg.Kafka, reg, logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		defer kafka.Close()
		publisher = kafka
	}

	// nil interfaces must stay nil so services skip the optional layers
	var (
		verificationCache auditsvc.VerificationCache
		snapshotCache     auditsvc.SnapshotCache
	)
	if auditCache != nil {
		verificationCache = auditCache
		snapshotCache = auditCache
	}

	analyticsConfig := auditsvc.DefaultAnalyticsConfig()
	analyticsConfig.Scoring.Weights = cfg.Analytics.Weights
	analyticsConfig.IntegritySampleRate = cfg.Analytics.IntegritySampleRate
	analyticsConfig.TopActors = cfg.Analytics.TopActors

	aggregator := auditsvc.NewAggregator(st.events, st.alerts, sealer, snapshotCache, analyticsConfig, metrics, logger)
	engine := auditsvc.NewAlertEngine(st.events, st.alerts, auditsvc.AlertEngineConfig{
		EvaluationInterval: cfg.Alerts.EvaluationInterval,
		MaxEvidence:        cfg.Alerts.MaxEvidence,
	}, metrics, logger)
	engine.LoadRules(cfg.Alerts.Rules)
	engine.SetSnapshotCache(snapshotCache)

	ingestor := auditsvc.NewIngestor(sealer, st.events, engine, snapshotCache, publisher, metrics, logger)
	services := rest.Services{
		Ingestor: ingestor,
		Query:    auditsvc.NewQueryService(st.events, verificationCache, cfg.Query.MaxLimit, metrics, logger),
		Verifier: auditsvc.NewIntegrityVerifier(st.events, sealer, verificationCache, auditsvc.VerifierConfig{
			MaxConcurrentChecks: cfg.Query.MaxConcurrentChecks,
			MaxBatchSize:        cfg.Query.MaxVerifyBatch,
		}, metrics, logger),
		Aggregator: aggregator,
		Exporter:   auditsvc.NewExporter(st.events, aggregator, sealer, auditsvc.ExportConfig{TempDir: cfg.TempDir()}, metrics, logger),
		Alerts:     engine,
		Sealer:     sealer,
		Store:      st.ping,
	}

	routerConfig := rest.DefaultConfig()
	routerConfig.Version = cfg.Version
	routerConfig.MaxQueryLimit = cfg.Query.MaxLimit
	routerConfig.RateLimit = cfg.Server.RateLimit.RequestsPerSecond
	routerConfig.RateBurst = cfg.Server.RateLimit.BurstSize
	routerConfig.SharedLimiter = sharedLimiter
	routerConfig.Registry = reg
	routerConfig.Logger = logger
	routerConfig.ReadinessDeps = readiness

	if cfg.Stream.Enabled {
		hub := websocket.NewAlertHub(websocket.HubConfig{
			AllowedOrigins: cfg.Stream.AllowedOrigins,
			SendBuffer:     cfg.Stream.SendBuffer,
		}, logger)
		go hub.Run(ctx)
		engine.SetNotifier(hub)
		routerConfig.AlertStream = hub
		readiness["alert_stream"] = hub
	}

	if cfg.Server.AccessAudit.Enabled {
		accessConfig := middleware.DefaultAccessAuditConfig()
		accessConfig.ActorHeader = cfg.Server.AccessAudit.ActorHeader
		access, err := middleware.NewAccessAudit(accessConfig, ingestor, logger)
		if err != nil {
			return fmt.Errorf("failed to create access audit: %w", err)
		}
		routerConfig.AccessAudit = access.Middleware()
	}

	go engine.Run(ctx)

	server := rest.NewServer(cfg.Server, rest.NewRouter(ctx, routerConfig, services), logger)
	logger.Info("Audit engine starting",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("digest", sealer.Algorithm()),
		zap.Bool("signing", sealer.Signer() != nil),
		zap.Int("alert_rules", len(cfg.Alerts.Rules)))
	return server.Start(ctx)
}

// openStores uses Postgres when a database URL is configured and the
// in-memory store otherwise
func openStores(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		logger.Warn("No database configured; events are kept in memory only")
		events := memstore.NewEventStore()
		return &stores{events: events, alerts: memstore.NewAlertStore(), ping: events, close: func() {}}, nil
	}

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := registerDatabaseMetrics(reg, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to register database metrics: %w", err)
	}
	events := database.NewEventRepository(pool)
	return &stores{
		events: events,
		alerts: database.NewAlertRepository(pool),
		ping:   events,
		close:  pool.Close,
	}, nil
}

// newSealer loads the signing key and trusted verification keys
func newSealer(cfg *config.Config, logger *zap.Logger) (*auditsvc.Sealer, error) {
	var opts []auditsvc.SealerOption
	if cfg.Signing.PrivateKeyPath != "" {
		signer, err := auditsvc.LoadSigner(cfg.Signing.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		opts = append(opts, auditsvc.WithSigner(signer))
	}
	if len(cfg.Signing.TrustedKeyPaths) > 0 {
		ring := auditsvc.NewKeyRing()
		for _, path := range cfg.Signing.TrustedKeyPaths {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read trusted key %s: %w", path, err)
			}
			pub, err := auditsvc.ParsePublicKeyPEM(data)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted key %s: %w", path, err)
			}
			ring.Add(pub)
		}
		opts = append(opts, auditsvc.WithTrustedKeys(ring))
	}

	sealer, err := auditsvc.NewSealer(cfg.Signing.Algorithm, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}
	return sealer, nil
}
