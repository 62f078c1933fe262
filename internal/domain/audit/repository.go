package audit

import (
	"context"

	"github.com/google/uuid"
)

// SkippedRecord marks a stored event that could not be decoded. Read paths
// skip such records and report them instead of failing.
type SkippedRecord struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// QueryResult is one page of events plus the total ignoring paging
type QueryResult struct {
	Events     []*Event        `json:"events"`
	TotalCount int64           `json:"total_count"`
	Skipped    []SkippedRecord `json:"skipped,omitempty"`
}

// EventRepository is append-only persistence for sealed events.
// There is deliberately no update or delete.
type EventRepository interface {
	// Append stores a sealed event. Resubmitting an existing event id fails
	// with a DUPLICATE_EVENT conflict and leaves the stored record untouched.
	Append(ctx context.Context, event *Event) error

	// Get returns the event or a not-found error
	Get(ctx context.Context, id uuid.UUID) (*Event, error)

	// Query returns one page of matching events in sort order
	Query(ctx context.Context, filter Filter, sort Sort) (*QueryResult, error)

	// Stream calls fn for every matching event in ascending timestamp order,
	// ignoring Limit and Offset. Undecodable rows are skipped and returned.
	Stream(ctx context.Context, filter Filter, fn func(*Event) error) ([]SkippedRecord, error)

	// Ping checks store availability
	Ping(ctx context.Context) error
}

// AlertRepository persists alerts. Alerts are never deleted.
type AlertRepository interface {
	// CreateIfNoneOpen atomically inserts the alert unless an unresolved alert
	// for the same rule exists, in which case that alert is returned and
	// created is false.
	CreateIfNoneOpen(ctx context.Context, alert *Alert) (created bool, existing *Alert, err error)

	// Get returns the alert or a not-found error
	Get(ctx context.Context, id uuid.UUID) (*Alert, error)

	// Update persists a status transition. It fails with a conflict when the
	// stored status no longer equals expected.
	Update(ctx context.Context, alert *Alert, expected AlertStatus) error

	// List returns alerts newest first with the total ignoring paging
	List(ctx context.Context, filter AlertFilter) ([]*Alert, int64, error)

	// ListOpen returns every unresolved alert
	ListOpen(ctx context.Context) ([]*Alert, error)
}
