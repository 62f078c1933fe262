package audit

import (
	"sort"
	"strings"
	"time"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	"github.com/google/uuid"
)

// Actor identifies who performed the audited action
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Resource identifies the entity the action touched
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Delta captures old/new snapshots for change-tracking events
type Delta struct {
	OldValues     Metadata `json:"old_values,omitempty"`
	NewValues     Metadata `json:"new_values,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
}

// Event represents an immutable audit log entry.
// Every field except Checksum, Signature and IntegrityVerified is covered by
// the checksum once the event is sealed.
type Event struct {
	ID        uuid.UUID `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	// Classification
	EventType   EventType `json:"event_type"`
	Category    string    `json:"category"`
	Severity    Severity  `json:"severity"`
	Action      string    `json:"action"`
	Description string    `json:"description"`

	Actor    *Actor    `json:"actor,omitempty"`
	Resource *Resource `json:"resource,omitempty"`

	Outcome      Outcome `json:"outcome"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	Delta    *Delta   `json:"delta,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Integrity
	Checksum  string `json:"checksum"`
	Signature string `json:"signature,omitempty"`

	// Derived from the most recent verification pass; never persisted
	IntegrityVerified *bool `json:"integrity_verified,omitempty"`
}

// IsSealed reports whether a checksum has been attached
func (e *Event) IsSealed() bool {
	return e.Checksum != ""
}

// ActorID returns the actor's user id or "" when no actor is recorded
func (e *Event) ActorID() string {
	if e.Actor == nil {
		return ""
	}
	return e.Actor.UserID
}

// ResourceType returns the resource type or "" when no resource is recorded
func (e *Event) ResourceType() string {
	if e.Resource == nil {
		return ""
	}
	return e.Resource.Type
}

// Validate checks required fields and value domains of an unsealed event
func (e *Event) Validate() error {
	if e.EventType == "" {
		return errors.NewValidationError("MISSING_EVENT_TYPE", "event type is required")
	}
	if !e.EventType.IsKnown() {
		return errors.NewValidationError("INVALID_EVENT_TYPE", "unknown event type: "+string(e.EventType))
	}
	if strings.TrimSpace(e.Category) == "" {
		return errors.NewValidationError("MISSING_CATEGORY", "category is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if strings.TrimSpace(e.Description) == "" {
		return errors.NewValidationError("MISSING_DESCRIPTION", "description is required")
	}
	if !e.Severity.IsValid() {
		return errors.NewValidationError("INVALID_SEVERITY", "severity must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if !e.Outcome.IsValid() {
		return errors.NewValidationError("INVALID_OUTCOME", "outcome must be SUCCESS, FAILURE or ERROR")
	}
	if e.Resource != nil && e.Resource.Type == "" {
		return errors.NewValidationError("MISSING_RESOURCE_TYPE", "resource type is required when a resource is given")
	}
	if err := e.Metadata.Validate(); err != nil {
		return errors.NewValidationError("INVALID_METADATA", err.Error())
	}
	if e.Delta != nil {
		if err := e.Delta.OldValues.Validate(); err != nil {
			return errors.NewValidationError("INVALID_DELTA", err.Error())
		}
		if err := e.Delta.NewValues.Validate(); err != nil {
			return errors.NewValidationError("INVALID_DELTA", err.Error())
		}
	}
	for _, tag := range e.Tags {
		if strings.TrimSpace(tag) == "" {
			return errors.NewValidationError("INVALID_TAG", "tags cannot be empty")
		}
	}
	return nil
}

// Normalize applies defaults and canonical forms before sealing: severity
// defaults to LOW, outcome to SUCCESS, the category is upper-cased, tags are
// de-duplicated and sorted, and the timestamp is reduced to UTC microseconds.
func (e *Event) Normalize() {
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.Category = NormalizeCategory(e.Category)
	e.Tags = normalizeTags(e.Tags)
	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	}
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// HasTag reports whether the event carries the given label
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can never mutate a stored event
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Actor != nil {
		a := *e.Actor
		c.Actor = &a
	}
	if e.Resource != nil {
		r := *e.Resource
		c.Resource = &r
	}
	if e.Delta != nil {
		d := Delta{
			OldValues: e.Delta.OldValues.Clone(),
			NewValues: e.Delta.NewValues.Clone(),
		}
		if e.Delta.ChangedFields != nil {
			d.ChangedFields = append([]string(nil), e.Delta.ChangedFields...)
		}
		c.Delta = &d
	}
	c.Metadata = e.Metadata.Clone()
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.IntegrityVerified != nil {
		v := *e.IntegrityVerified
		c.IntegrityVerified = &v
	}
	return &c
}
