package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// VerifierConfig configures the integrity verifier
type VerifierConfig struct {
	MaxConcurrentChecks int `json:"max_concurrent_checks"`
	MaxBatchSize        int `json:"max_batch_size"`
}

// DefaultVerifierConfig returns sensible defaults
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		MaxConcurrentChecks: 8,
		MaxBatchSize:        500,
	}
}

// BatchVerification is the result of VerifyBatch
type BatchVerification struct {
	Results  []audit.VerificationResult `json:"results"`
	Verified int                        `json:"verified"`
	Failed   int                        `json:"failed"`
	NotFound []uuid.UUID                `json:"not_found,omitempty"`
}

// IntegrityVerifier re-checks stored events against their seal. It never
// writes to the event store.
type IntegrityVerifier struct {
	repo    audit.EventRepository
	sealer  *Sealer
	cache   VerificationCache
	config  VerifierConfig
	metrics *Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewIntegrityVerifier creates a verifier. cache may be nil.
func NewIntegrityVerifier(repo audit.EventRepository, sealer *Sealer, cache VerificationCache, config VerifierConfig, metrics *Metrics, logger *zap.Logger) *IntegrityVerifier {
	if config.MaxConcurrentChecks <= 0 {
		config.MaxConcurrentChecks = DefaultVerifierConfig().MaxConcurrentChecks
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultVerifierConfig().MaxBatchSize
	}
	return &IntegrityVerifier{
		repo:    repo,
		sealer:  sealer,
		cache:   cache,
		config:  config,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("audit.verifier"),
	}
}

// Verify loads the event and checks it. Only a missing event or a store
// failure is an error; a mismatch is reported in the result.
func (v *IntegrityVerifier) Verify(ctx context.Context, id uuid.UUID) (*audit.VerificationResult, error) {
	ctx, span := v.tracer.Start(ctx, "audit.Verify", trace.WithAttributes(attribute.String("audit.event_id", id.String())))
	defer span.End()

	event, err := v.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := v.check(ctx, event)
	span.SetAttributes(attribute.Bool("audit.valid", result.Valid))
	return &result, nil
}

// VerifyBatch verifies many events with bounded concurrency. Unknown ids are
// reported in NotFound; store failures abort the batch.
func (v *IntegrityVerifier) VerifyBatch(ctx context.Context, ids []uuid.UUID) (*BatchVerification, error) {
	if len(ids) == 0 {
		return nil, errors.NewValidationError("EMPTY_BATCH", "at least one event id is required")
	}
	if len(ids) > v.config.MaxBatchSize {
		return nil, errors.NewValidationError("BATCH_TOO_LARGE",
			fmt.Sprintf("at most %d events can be verified at once", v.config.MaxBatchSize))
	}

	results := make([]*audit.VerificationResult, len(ids))
	missing := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.config.MaxConcurrentChecks)
	for i, id := range ids {
		g.Go(func() error {
			res, err := v.Verify(gctx, id)
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeNotFound) {
					missing[i] = true
					return nil
				}
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &BatchVerification{Results: make([]audit.VerificationResult, 0, len(ids))}
	for i, res := range results {
		if missing[i] {
			out.NotFound = append(out.NotFound, ids[i])
			continue
		}
		out.Results = append(out.Results, *res)
		if res.Valid {
			out.Verified++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// CheckEvent verifies an already loaded event without touching the cache
func (v *IntegrityVerifier) CheckEvent(event *audit.Event) audit.VerificationResult {
	return v.sealer.Check(event)
}

func (v *IntegrityVerifier) check(ctx context.Context, event *audit.Event) audit.VerificationResult {
	result := v.sealer.Check(event)

	if result.Valid {
		v.metrics.Verifications.WithLabelValues("valid", "").Inc()
	} else {
		v.metrics.Verifications.WithLabelValues("invalid", string(result.Reason)).Inc()
		v.logger.Warn("Audit event failed integrity verification",
			zap.String("event_id", event.ID.String()),
			zap.String("reason", string(result.Reason)),
			zap.String("detail", result.Detail))
	}

	if v.cache != nil {
		if err := v.cache.SetVerification(ctx, result); err != nil {
			v.logger.Debug("Failed to cache verification result",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}
	}
	return result
}
