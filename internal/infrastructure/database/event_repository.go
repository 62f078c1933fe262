package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

const (
	eventsTable        = "audit_events"
	uniqueViolation    = "23505"
	streamFetchSize    = 500
	eventSelectColumns = "id, timestamp, payload"
)

// EventRepository is the PostgreSQL audit.EventRepository. The full sealed
// event is kept in payload; the remaining columns exist for filtering.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates a PostgreSQL event repository
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts a sealed event. Existing ids are never overwritten.
func (r *EventRepository) Append(ctx context.Context, event *audit.Event) error {
	if !event.IsSealed() {
		return errors.NewValidationError("EVENT_NOT_SEALED", "only sealed events can be stored")
	}

	stored := event.Clone()
	stored.IntegrityVerified = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return errors.NewInternalError("failed to marshal event").WithCause(err)
	}
	tags := stored.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO audit_events (
			id, timestamp, event_type, category, severity, severity_rank,
			action, description, actor_id, resource_type, outcome, tags,
			checksum, signature, payload
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`

	_, err = r.db.Exec(ctx, query,
		stored.ID,
		stored.Timestamp,
		string(stored.EventType),
		stored.Category,
		string(stored.Severity),
		stored.Severity.Rank(),
		stored.Action,
		stored.Description,
		stored.ActorID(),
		stored.ResourceType(),
		string(stored.Outcome),
		tags,
		stored.Checksum,
		stored.Signature,
		payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.NewConflictError("DUPLICATE_EVENT", "event "+stored.ID.String()+" already exists")
		}
		return errors.NewStoreError("failed to store event").WithCause(err)
	}
	return nil
}

// Get returns the stored event
func (r *EventRepository) Get(ctx context.Context, id uuid.UUID) (*audit.Event, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT payload FROM audit_events WHERE id = $1`, id).Scan(&payload)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrEventNotFound
	}
	if err != nil {
		return nil, errors.NewStoreError("failed to get event").WithCause(err)
	}

	event, err := decodeEvent(payload)
	if err != nil {
		return nil, errors.NewStoreError("stored event "+id.String()+" cannot be decoded").WithCause(err)
	}
	return event, nil
}

// Query returns one page of matching events and the unpaged total
func (r *EventRepository) Query(ctx context.Context, filter audit.Filter, sort audit.Sort) (*audit.QueryResult, error) {
	qb := buildEventQuery(filter)

	countSQL, countArgs := qb.BuildCount()
	var total int64
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, errors.NewStoreError("failed to count events").WithCause(err)
	}

	applySort(qb, sort)
	if filter.Limit > 0 {
		qb.Limit(filter.Limit)
	}
	qb.Offset(filter.Offset)
	query, args := qb.Build()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreError("failed to query events").WithCause(err)
	}
	defer rows.Close()

	result := &audit.QueryResult{Events: []*audit.Event{}, TotalCount: total}
	for rows.Next() {
		var id uuid.UUID
		var ts time.Time
		var payload []byte
		if err := rows.Scan(&id, &ts, &payload); err != nil {
			return nil, errors.NewStoreError("failed to scan event").WithCause(err)
		}
		event, err := decodeEvent(payload)
		if err != nil {
			result.Skipped = append(result.Skipped, audit.SkippedRecord{EventID: id.String(), Reason: err.Error()})
			continue
		}
		result.Events = append(result.Events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("failed to iterate events").WithCause(err)
	}
	return result, nil
}

// Stream walks every matching event in ascending timestamp order using
// keyset pagination so large windows never hold one long cursor open
func (r *EventRepository) Stream(ctx context.Context, filter audit.Filter, fn func(*audit.Event) error) ([]audit.SkippedRecord, error) {
	var skipped []audit.SkippedRecord
	var afterID uuid.UUID
	var afterTS time.Time
	resume := false

	for {
		qb := buildEventQuery(filter)
		if resume {
			qb.Where("(timestamp, id) > (?, ?)", afterTS, afterID)
		}
		qb.OrderBy("timestamp", false).OrderBy("id", false).Limit(streamFetchSize)
		query, args := qb.Build()

		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return nil, errors.NewStoreError("failed to stream events").WithCause(err)
		}

		fetched := 0
		var callbackErr error
		for rows.Next() {
			fetched++
			var payload []byte
			if err := rows.Scan(&afterID, &afterTS, &payload); err != nil {
				rows.Close()
				return nil, errors.NewStoreError("failed to scan event").WithCause(err)
			}
			event, err := decodeEvent(payload)
			if err != nil {
				skipped = append(skipped, audit.SkippedRecord{EventID: afterID.String(), Reason: err.Error()})
				continue
			}
			if err := fn(event); err != nil {
				callbackErr = err
				break
			}
		}
		rows.Close()
		if callbackErr != nil {
			return nil, callbackErr
		}
		if err := rows.Err(); err != nil {
			return nil, errors.NewStoreError("failed to iterate events").WithCause(err)
		}
		if fetched < streamFetchSize {
			return skipped, nil
		}
		resume = true
	}
}

// Ping checks database availability
func (r *EventRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func buildEventQuery(filter audit.Filter) *QueryBuilder {
	qb := NewQueryBuilder(eventsTable).Select(eventSelectColumns)

	if filter.StartDate != nil {
		qb.Where("timestamp >= ?", filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		qb.Where("timestamp < ?", filter.EndDate.UTC())
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		qb.Where("event_type = ANY(?)", types)
	}
	if len(filter.Categories) > 0 {
		cats := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			cats[i] = audit.NormalizeCategory(c)
		}
		qb.Where("category = ANY(?)", cats)
	}
	if len(filter.Severities) > 0 {
		sevs := make([]string, len(filter.Severities))
		for i, s := range filter.Severities {
			sevs[i] = string(s)
		}
		qb.Where("severity = ANY(?)", sevs)
	}
	if filter.ActorID != "" {
		qb.Where("actor_id = ?", filter.ActorID)
	}
	if filter.ResourceType != "" {
		qb.Where("resource_type = ?", filter.ResourceType)
	}
	if len(filter.Tags) > 0 {
		qb.Where("tags @> ?", filter.Tags)
	}
	if filter.FreeText != "" {
		pattern := likePattern(filter.FreeText)
		qb.Where("(description ILIKE ? OR action ILIKE ?)", pattern, pattern)
	}
	return qb
}

func applySort(qb *QueryBuilder, sort audit.Sort) {
	if sort.Field == audit.SortBySeverity {
		qb.OrderBy("severity_rank", sort.Descending)
	}
	qb.OrderBy("timestamp", sort.Descending).OrderBy("id", sort.Descending)
}

func decodeEvent(payload []byte) (*audit.Event, error) {
	var event audit.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("undecodable payload: %w", err)
	}
	if event.ID == uuid.Nil || !event.IsSealed() {
		return nil, fmt.Errorf("payload is not a sealed event")
	}
	event.Timestamp = event.Timestamp.UTC()
	return &event, nil
}
