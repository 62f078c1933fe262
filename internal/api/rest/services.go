package rest

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	auditsvc "github.com/davidleathers/dependable-audit-engine/internal/service/audit"
)

// Ingestor is the write path
type Ingestor interface {
	Ingest(ctx context.Context, raw *audit.Event) (*audit.Event, error)
	IngestBatch(ctx context.Context, raws []*audit.Event) []auditsvc.BatchItemResult
}

// Searcher reads stored events
type Searcher interface {
	Search(ctx context.Context, filter audit.Filter, sort audit.Sort) (*audit.QueryResult, error)
	Get(ctx context.Context, id uuid.UUID) (*audit.Event, error)
}

// Verifier re-checks stored events
type Verifier interface {
	Verify(ctx context.Context, id uuid.UUID) (*audit.VerificationResult, error)
	VerifyBatch(ctx context.Context, ids []uuid.UUID) (*auditsvc.BatchVerification, error)
}

// Aggregator computes analytics snapshots
type Aggregator interface {
	Aggregate(ctx context.Context, window audit.Window, filter audit.Filter) (*audit.Snapshot, error)
}

// Exporter renders reports
type Exporter interface {
	Export(ctx context.Context, req auditsvc.ExportRequest) (*auditsvc.ExportResult, error)
}

// AlertManager manages alerts and rules
type AlertManager interface {
	Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*audit.Alert, error)
	StartProgress(ctx context.Context, id uuid.UUID, actor string) (*audit.Alert, error)
	Resolve(ctx context.Context, id uuid.UUID, actor, note string) (*audit.Alert, error)
	Get(ctx context.Context, id uuid.UUID) (*audit.Alert, error)
	List(ctx context.Context, filter audit.AlertFilter) ([]*audit.Alert, int64, error)
	Summary(ctx context.Context) (audit.AlertSummary, error)
	RegisterRule(rule audit.AlertRule) error
	SetRuleEnabled(id string, enabled bool) error
	Rules() []audit.AlertRule
}

// Pinger reports dependency availability for readiness checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the handlers depend on
type Services struct {
	Ingestor   Ingestor
	Query      Searcher
	Verifier   Verifier
	Aggregator Aggregator
	Exporter   Exporter
	Alerts     AlertManager
	Sealer     *auditsvc.Sealer
	Store      Pinger
}
