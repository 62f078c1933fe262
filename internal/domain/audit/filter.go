package audit

import (
	"strings"
	"time"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

const (
	// DefaultPageSize is used when a filter carries no limit
	DefaultPageSize = 50
	// MaxPageSize is the hard ceiling applied to every search
	MaxPageSize = 100
)

// Filter selects events. All fields are optional and conjunctive; multi-valued
// facets match any listed value. The time range is half-open: StartDate is
// inclusive and EndDate exclusive.
type Filter struct {
	StartDate    *time.Time  `json:"start_date,omitempty"`
	EndDate      *time.Time  `json:"end_date,omitempty"`
	EventTypes   []EventType `json:"event_types,omitempty"`
	Categories   []string    `json:"categories,omitempty"`
	Severities   []Severity  `json:"severities,omitempty"`
	ActorID      string      `json:"actor_id,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	FreeText     string      `json:"free_text,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Limit        int         `json:"limit,omitempty"`
	Offset       int         `json:"offset,omitempty"`
}

// SortField names the primary ordering column
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortBySeverity  SortField = "severity"
)

// Sort orders search results. Event id is always the final tiebreaker.
type Sort struct {
	Field      SortField `json:"field"`
	Descending bool      `json:"descending"`
}

// DefaultSort is most recent first
var DefaultSort = Sort{Field: SortByTimestamp, Descending: true}

// Validate rejects contradictory or out-of-domain filter values
func (f Filter) Validate() error {
	if f.StartDate != nil && f.EndDate != nil && !f.StartDate.Before(*f.EndDate) {
		return errors.NewValidationError("INVALID_TIME_RANGE", "start date must be before end date")
	}
	if f.Limit < 0 {
		return errors.NewValidationError("INVALID_LIMIT", "limit cannot be negative")
	}
	if f.Offset < 0 {
		return errors.NewValidationError("INVALID_OFFSET", "offset cannot be negative")
	}
	for _, s := range f.Severities {
		if !s.IsValid() {
			return errors.NewValidationError("INVALID_SEVERITY", "unknown severity: "+string(s))
		}
	}
	return nil
}

// Normalize applies paging defaults, clamps the limit to maxLimit (or
// MaxPageSize when maxLimit is not positive) and canonicalises facet values.
func (f Filter) Normalize(maxLimit int) Filter {
	if maxLimit <= 0 || maxLimit > MaxPageSize {
		maxLimit = MaxPageSize
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if len(f.Categories) > 0 {
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = NormalizeCategory(c)
		}
		f.Categories = cats
	}
	f.FreeText = strings.TrimSpace(f.FreeText)
	return f
}

// WithWindow returns a copy restricted to [start, end)
func (f Filter) WithWindow(start, end time.Time) Filter {
	s, e := start, end
	f.StartDate = &s
	f.EndDate = &e
	return f
}

// Matches evaluates the filter against a single event. Paging is ignored.
func (f Filter) Matches(e *Event) bool {
	if f.StartDate != nil && e.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && !e.Timestamp.Before(*f.EndDate) {
		return false
	}
	if len(f.EventTypes) > 0 && !containsEventType(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Categories) > 0 && !containsFold(f.Categories, e.Category) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.ActorID != "" && e.ActorID() != f.ActorID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType() != f.ResourceType {
		return false
	}
	for _, tag := range f.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	if f.FreeText != "" {
		needle := strings.ToLower(f.FreeText)
		if !strings.Contains(strings.ToLower(e.Description), needle) &&
			!strings.Contains(strings.ToLower(e.Action), needle) {
			return false
		}
	}
	return true
}

func containsEventType(types []EventType, t EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(sevs []Severity, s Severity) bool {
	for _, v := range sevs {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Less orders two events according to the sort, breaking ties by timestamp and
// then by event id so equal timestamps have a stable order.
func (s Sort) Less(a, b *Event) bool {
	if s.Field == SortBySeverity {
		ra, rb := a.Severity.Rank(), b.Severity.Rank()
		if ra != rb {
			if s.Descending {
				return ra > rb
			}
			return ra < rb
		}
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		if s.Descending {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Timestamp.Before(b.Timestamp)
	}
	ai, bi := a.ID.String(), b.ID.String()
	if s.Descending {
		return ai > bi
	}
	return ai < bi
}

// ParseSort accepts "timestamp", "-timestamp", "severity" or "-severity".
// An empty value yields DefaultSort.
func ParseSort(value string) (Sort, error) {
	if value == "" {
		return DefaultSort, nil
	}
	desc := strings.HasPrefix(value, "-")
	field := SortField(strings.TrimPrefix(value, "-"))
	switch field {
	case SortByTimestamp, SortBySeverity:
		return Sort{Field: field, Descending: desc}, nil
	default:
		return Sort{}, errors.NewValidationError("INVALID_SORT", "unsupported sort field: "+string(field))
	}
}
