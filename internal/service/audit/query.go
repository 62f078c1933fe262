package audit

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// QueryService serves faceted search over the event store
type QueryService struct {
	repo     audit.EventRepository
	cache    VerificationCache
	maxLimit int
	metrics  *Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewQueryService creates a query service. cache may be nil; maxLimit <= 0
// falls back to audit.MaxPageSize.
func NewQueryService(repo audit.EventRepository, cache VerificationCache, maxLimit int, metrics *Metrics, logger *zap.Logger) *QueryService {
	return &QueryService{
		repo:     repo,
		cache:    cache,
		maxLimit: maxLimit,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("audit.query"),
	}
}

// Search returns one page of matching events plus the total ignoring paging.
// Undecodable stored events are skipped and listed in the result.
func (q *QueryService) Search(ctx context.Context, filter audit.Filter, sort audit.Sort) (*audit.QueryResult, error) {
	ctx, span := q.tracer.Start(ctx, "audit.Search")
	defer span.End()

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if sort.Field == "" {
		sort = audit.DefaultSort
	}
	filter = filter.Normalize(q.maxLimit)

	result, err := q.repo.Query(ctx, filter, sort)
	if err != nil {
		return nil, asStoreError(err, "failed to query audit events")
	}

	for _, s := range result.Skipped {
		q.metrics.SkippedRecords.WithLabelValues("search").Inc()
		q.logger.Warn("Skipping malformed stored audit event",
			zap.String("event_id", s.EventID),
			zap.String("reason", s.Reason))
	}

	q.annotate(ctx, result.Events)
	span.SetAttributes(
		attribute.Int64("audit.total_count", result.TotalCount),
		attribute.Int("audit.page_size", len(result.Events)),
	)
	return result, nil
}

// Get returns a single event
func (q *QueryService) Get(ctx context.Context, id uuid.UUID) (*audit.Event, error) {
	event, err := q.repo.Get(ctx, id)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, err
		}
		return nil, asStoreError(err, "failed to load audit event")
	}
	q.annotate(ctx, []*audit.Event{event})
	return event, nil
}

// annotate fills IntegrityVerified from the verification cache. Misses and
// cache failures leave the field unset.
func (q *QueryService) annotate(ctx context.Context, events []*audit.Event) {
	if q.cache == nil || len(events) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	results, err := q.cache.GetVerifications(ctx, ids)
	if err != nil {
		q.logger.Debug("Verification cache unavailable", zap.Error(err))
		return
	}
	for _, e := range events {
		if r, ok := results[e.ID]; ok {
			valid := r.Valid
			e.IntegrityVerified = &valid
		}
	}
}

// asStoreError keeps AppErrors as they are and wraps anything else as a
// retryable store failure.
func asStoreError(err error, message string) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return errors.NewStoreError(message).WithCause(err)
}
