package audit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// BatchItemResult reports the outcome of one event in IngestBatch
type BatchItemResult struct {
	Index int          `json:"index"`
	Event *audit.Event `json:"event,omitempty"`
	Error error        `json:"-"`
}

// Ingestor is the write path: seal, append, then notify. Sealing and append
// failures always reach the caller. Work after the append only runs once the
// event is durable and never fails the ingestion.
type Ingestor struct {
	sealer    *Sealer
	repo      audit.EventRepository
	observer  EventObserver
	snapshots SnapshotCache
	publisher EventPublisher
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewIngestor creates the write path. observer, snapshots and publisher may
// be nil.
func NewIngestor(sealer *Sealer, repo audit.EventRepository, observer EventObserver, snapshots SnapshotCache, publisher EventPublisher, metrics *Metrics, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		sealer:    sealer,
		repo:      repo,
		observer:  observer,
		snapshots: snapshots,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("audit.ingest"),
	}
}

// Ingest seals and durably appends one event and returns the sealed event
func (i *Ingestor) Ingest(ctx context.Context, raw *audit.Event) (*audit.Event, error) {
	ctx, span := i.tracer.Start(ctx, "audit.Ingest")
	defer span.End()

	sealed, err := i.sealer.Seal(ctx, raw)
	if err != nil {
		i.fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("audit.event_id", sealed.ID.String()))

	if err := i.append(ctx, sealed); err != nil {
		i.fail(span, err)
		i.logger.Error("Failed to append sealed audit event",
			zap.String("event_id", sealed.ID.String()),
			zap.String("event_type", string(sealed.EventType)),
			zap.Error(err))
		return nil, err
	}
	i.metrics.EventsSealed.Inc()

	i.afterAppend(ctx, sealed)
	return sealed, nil
}

// IngestBatch ingests each event independently. A failure affects only its
// own item; there is no cross-event transaction.
func (i *Ingestor) IngestBatch(ctx context.Context, raws []*audit.Event) []BatchItemResult {
	results := make([]BatchItemResult, len(raws))
	for idx, raw := range raws {
		results[idx].Index = idx
		if err := ctx.Err(); err != nil {
			results[idx].Error = errors.NewInternalError("batch cancelled before event was processed").WithCause(err)
			continue
		}
		sealed, err := i.Ingest(ctx, raw)
		results[idx].Event = sealed
		results[idx].Error = err
	}
	return results
}

func (i *Ingestor) append(ctx context.Context, sealed *audit.Event) error {
	ctx, span := i.tracer.Start(ctx, "audit.Append")
	defer span.End()
	if err := i.repo.Append(ctx, sealed); err != nil {
		return asStoreError(err, "failed to append audit event")
	}
	return nil
}

func (i *Ingestor) afterAppend(ctx context.Context, sealed *audit.Event) {
	if i.snapshots != nil {
		if err := i.snapshots.Invalidate(ctx); err != nil {
			i.logger.Warn("Failed to invalidate analytics snapshots",
				zap.String("event_id", sealed.ID.String()),
				zap.Error(err))
		}
	}
	if i.observer != nil {
		i.observer.OnEvent(ctx, sealed)
	}
	if i.publisher != nil {
		if err := i.publisher.Publish(ctx, sealed); err != nil {
			i.logger.Warn("Failed to publish audit event to feed",
				zap.String("event_id", sealed.ID.String()),
				zap.Error(err))
		}
	}
}

func (i *Ingestor) fail(span trace.Span, err error) {
	i.metrics.IngestFailures.WithLabelValues(errors.CodeOf(err)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, errors.CodeOf(err))
}
