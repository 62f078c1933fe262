package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// VerificationCache keeps the most recent verification result per event.
// It is advisory: a miss returns (nil, nil) and write failures are ignored.
type VerificationCache interface {
	GetVerification(ctx context.Context, id uuid.UUID) (*audit.VerificationResult, error)
	GetVerifications(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]audit.VerificationResult, error)
	SetVerification(ctx context.Context, result audit.VerificationResult) error
}

// SnapshotCache stores analytics snapshots. Invalidate drops every cached
// snapshot; it is called after each successful append and alert change.
// GetSnapshot reports the generation it looked under; a snapshot computed
// after that lookup is stored under the same generation.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, key string) (*audit.Snapshot, int64, error)
	SetSnapshot(ctx context.Context, generation int64, key string, snapshot *audit.Snapshot) error
	Invalidate(ctx context.Context) error
}

// EventPublisher forwards durably stored events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event *audit.Event) error
}

// AlertNotifier is told about new alerts and status changes
type AlertNotifier interface {
	AlertRaised(alert *audit.Alert)
	AlertUpdated(alert *audit.Alert)
}

// EventObserver is notified after an event has been durably appended
type EventObserver interface {
	OnEvent(ctx context.Context, event *audit.Event) []*audit.Alert
}
