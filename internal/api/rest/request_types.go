package rest

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// ActorRequest identifies who performed the action
type ActorRequest struct {
	UserID    string `json:"user_id" validate:"omitempty,max=256"`
	SessionID string `json:"session_id" validate:"omitempty,max=256"`
	Role      string `json:"role" validate:"omitempty,max=64"`
}

// ResourceRequest identifies what the action touched
type ResourceRequest struct {
	Type string `json:"type" validate:"required,max=128"`
	ID   string `json:"id" validate:"omitempty,max=256"`
	Name string `json:"name" validate:"omitempty,max=256"`
}

// DeltaRequest carries old and new values of a change
type DeltaRequest struct {
	OldValues     map[string]interface{} `json:"old_values"`
	NewValues     map[string]interface{} `json:"new_values"`
	ChangedFields []string               `json:"changed_fields" validate:"omitempty,max=256,dive,required"`
}

// CreateEventRequest is a raw event. Id, checksum and signature are assigned
// by the engine; a caller supplied event_id is kept.
type CreateEventRequest struct {
	EventID      *uuid.UUID             `json:"event_id"`
	Timestamp    *time.Time             `json:"timestamp"`
	EventType    string                 `json:"event_type" validate:"required,oneof=USER_ACTION SYSTEM_EVENT DATA_CHANGE ACCESS_EVENT SECURITY_EVENT COMPLIANCE_EVENT"`
	Category     string                 `json:"category" validate:"required,max=64"`
	Severity     string                 `json:"severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Action       string                 `json:"action" validate:"required,max=128"`
	Description  string                 `json:"description" validate:"required,max=4096"`
	Actor        *ActorRequest          `json:"actor"`
	Resource     *ResourceRequest       `json:"resource"`
	Outcome      string                 `json:"outcome" validate:"omitempty,oneof=SUCCESS FAILURE ERROR"`
	ErrorCode    string                 `json:"error_code" validate:"omitempty,max=128"`
	ErrorMessage string                 `json:"error_message" validate:"omitempty,max=4096"`
	Delta        *DeltaRequest          `json:"delta"`
	Metadata     map[string]interface{} `json:"metadata"`
	Tags         []string               `json:"tags" validate:"omitempty,max=32,dive,required,max=64"`
}

// ToEvent converts the request into an unsealed domain event
func (r *CreateEventRequest) ToEvent() (*audit.Event, error) {
	e := &audit.Event{
		EventType:    audit.EventType(r.EventType),
		Category:     r.Category,
		Severity:     audit.Severity(r.Severity),
		Action:       r.Action,
		Description:  r.Description,
		Outcome:      audit.Outcome(r.Outcome),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		Tags:         r.Tags,
	}
	if r.EventID != nil {
		e.ID = *r.EventID
	}
	if r.Timestamp != nil {
		e.Timestamp = *r.Timestamp
	}
	if r.Actor != nil {
		e.Actor = &audit.Actor{UserID: r.Actor.UserID, SessionID: r.Actor.SessionID, Role: r.Actor.Role}
	}
	if r.Resource != nil {
		e.Resource = &audit.Resource{Type: r.Resource.Type, ID: r.Resource.ID, Name: r.Resource.Name}
	}

	metadata, err := audit.MetadataFromMap(r.Metadata)
	if err != nil {
		return nil, &ValidationError{Message: "Invalid metadata", Fields: map[string][]string{"metadata": {err.Error()}}}
	}
	e.Metadata = metadata

	if r.Delta != nil {
		oldValues, err := audit.MetadataFromMap(r.Delta.OldValues)
		if err != nil {
			return nil, &ValidationError{Message: "Invalid delta", Fields: map[string][]string{"delta.old_values": {err.Error()}}}
		}
		newValues, err := audit.MetadataFromMap(r.Delta.NewValues)
		if err != nil {
			return nil, &ValidationError{Message: "Invalid delta", Fields: map[string][]string{"delta.new_values": {err.Error()}}}
		}
		e.Delta = &audit.Delta{OldValues: oldValues, NewValues: newValues, ChangedFields: r.Delta.ChangedFields}
	}
	return e, nil
}

// BatchCreateEventsRequest ingests several independent events
type BatchCreateEventsRequest struct {
	Events []CreateEventRequest `json:"events" validate:"required,min=1,max=500,dive"`
}

// BatchItemResponse reports one item of a batch ingest
type BatchItemResponse struct {
	Index int            `json:"index"`
	Event *audit.Event   `json:"event,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// BatchCreateEventsResponse lists per-item results in request order
type BatchCreateEventsResponse struct {
	Results  []BatchItemResponse `json:"results"`
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
}

// VerifyBatchRequest names the events to verify
type VerifyBatchRequest struct {
	EventIDs []uuid.UUID `json:"event_ids" validate:"required,min=1"`
}

// AlertTransitionRequest moves an alert through its lifecycle
type AlertTransitionRequest struct {
	Actor string `json:"actor" validate:"required,max=256"`
	Note  string `json:"note" validate:"omitempty,max=4096"`
}

// SearchResponse is one page of events
type SearchResponse struct {
	Events     []*audit.Event        `json:"events"`
	TotalCount int64                 `json:"total_count"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
	Skipped    []audit.SkippedRecord `json:"skipped,omitempty"`
}

// AlertListResponse is one page of alerts
type AlertListResponse struct {
	Alerts     []*audit.Alert `json:"alerts"`
	TotalCount int64          `json:"total_count"`
}

// PublicKeyResponse publishes the signing key
type PublicKeyResponse struct {
	KeyID        string `json:"key_id"`
	Algorithm    string `json:"algorithm"`
	PublicKeyPEM string `json:"public_key_pem"`
	Digest       string `json:"digest_algorithm"`
}

// parseFilter reads event filter facets from query parameters. Multi-valued
// facets accept repeated parameters or comma separated values.
func parseFilter(q url.Values) (audit.Filter, error) {
	var f audit.Filter
	var err error

	if f.StartDate, err = parseTimeParam(q, "start_date"); err != nil {
		return f, err
	}
	if f.EndDate, err = parseTimeParam(q, "end_date"); err != nil {
		return f, err
	}
	for _, v := range listParam(q, "event_type") {
		f.EventTypes = append(f.EventTypes, audit.EventType(strings.ToUpper(v)))
	}
	f.Categories = listParam(q, "category")
	for _, v := range listParam(q, "severity") {
		sev, err := audit.ParseSeverity(v)
		if err != nil {
			return f, fieldError("severity", err.Error())
		}
		f.Severities = append(f.Severities, sev)
	}
	f.ActorID = q.Get("actor_id")
	f.ResourceType = q.Get("resource_type")
	f.FreeText = q.Get("q")
	f.Tags = listParam(q, "tag")

	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// parseWindow reads the required start_date and end_date
func parseWindow(q url.Values) (audit.Window, error) {
	start, err := parseTimeParam(q, "start_date")
	if err != nil {
		return audit.Window{}, err
	}
	end, err := parseTimeParam(q, "end_date")
	if err != nil {
		return audit.Window{}, err
	}
	if start == nil || end == nil {
		return audit.Window{}, &ValidationError{
			Message: "start_date and end_date are required",
			Fields:  map[string][]string{"start_date": {"This field is required"}, "end_date": {"This field is required"}},
		}
	}
	return audit.NewWindow(*start, *end)
}

func parseTimeParam(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fieldError(name, "Must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fieldError(name, "Must be a non-negative integer")
	}
	return n, nil
}

func listParam(q url.Values, name string) []string {
	var out []string
	for _, raw := range q[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{
		Message: "Invalid query parameter",
		Fields:  map[string][]string{field: {message}},
	}
}
