// Package fixtures builds audit domain values for tests
package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// EventBuilder builds unsealed audit events with sensible defaults
type EventBuilder struct {
	event audit.Event
}

// NewEventBuilder starts a USER_ACTION event at the given time
func NewEventBuilder(at time.Time) *EventBuilder {
	return &EventBuilder{event: audit.Event{
		ID:          uuid.New(),
		Timestamp:   at,
		EventType:   audit.EventUserAction,
		Category:    "USER",
		Severity:    audit.SeverityLow,
		Action:      "UPDATE",
		Description: "updated record",
		Actor:       &audit.Actor{UserID: "user-1"},
		Resource:    &audit.Resource{Type: "record", ID: "rec-1"},
		Outcome:     audit.OutcomeSuccess,
	}}
}

// WithID sets the event id
func (b *EventBuilder) WithID(id uuid.UUID) *EventBuilder {
	b.event.ID = id
	return b
}

// WithType sets the event type
func (b *EventBuilder) WithType(t audit.EventType) *EventBuilder {
	b.event.EventType = t
	return b
}

// WithCategory sets the category
func (b *EventBuilder) WithCategory(category string) *EventBuilder {
	b.event.Category = category
	return b
}

// WithSeverity sets the severity
func (b *EventBuilder) WithSeverity(s audit.Severity) *EventBuilder {
	b.event.Severity = s
	return b
}

// WithOutcome sets the outcome
func (b *EventBuilder) WithOutcome(o audit.Outcome) *EventBuilder {
	b.event.Outcome = o
	return b
}

// WithAction sets the action and description
func (b *EventBuilder) WithAction(action, description string) *EventBuilder {
	b.event.Action = action
	b.event.Description = description
	return b
}

// WithActor sets the acting user
func (b *EventBuilder) WithActor(userID string) *EventBuilder {
	b.event.Actor = &audit.Actor{UserID: userID}
	return b
}

// WithResource sets the affected resource
func (b *EventBuilder) WithResource(resourceType, id string) *EventBuilder {
	b.event.Resource = &audit.Resource{Type: resourceType, ID: id}
	return b
}

// WithTags sets the tags
func (b *EventBuilder) WithTags(tags ...string) *EventBuilder {
	b.event.Tags = tags
	return b
}

// WithMetadata adds one metadata entry
func (b *EventBuilder) WithMetadata(key string, v audit.Value) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = audit.Metadata{}
	}
	b.event.Metadata[key] = v
	return b
}

// Build returns a copy of the event
func (b *EventBuilder) Build() *audit.Event {
	return b.event.Clone()
}

// FailedLogin is an AUTH/FAILURE event for alert rule tests
func FailedLogin(at time.Time, userID string) *audit.Event {
	return NewEventBuilder(at).
		WithType(audit.EventAccessEvent).
		WithCategory("AUTH").
		WithSeverity(audit.SeverityMedium).
		WithOutcome(audit.OutcomeFailure).
		WithAction("LOGIN", "login failed").
		WithActor(userID).
		WithResource("session", "").
		Build()
}
