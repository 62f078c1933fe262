package audit

import (
	"fmt"
	"strings"
)

// EventType represents the classification of an audit event
type EventType string

const (
	EventUserAction  EventType = "USER_ACTION"
	EventSystemEvent EventType = "SYSTEM_EVENT"
	EventDataChange  EventType = "DATA_CHANGE"
	EventAccessEvent EventType = "ACCESS_EVENT"
	EventSecurity    EventType = "SECURITY_EVENT"
	EventCompliance  EventType = "COMPLIANCE_EVENT"
)

var knownEventTypes = map[EventType]struct{}{
	EventUserAction:  {},
	EventSystemEvent: {},
	EventDataChange:  {},
	EventAccessEvent: {},
	EventSecurity:    {},
	EventCompliance:  {},
}

// String returns the string representation of the event type
func (et EventType) String() string {
	return string(et)
}

// IsKnown reports whether the event type is one the engine recognises
func (et EventType) IsKnown() bool {
	_, ok := knownEventTypes[et]
	return ok
}

// Well-known categories. Categories are open-ended; these are the ones the
// analytics and alerting code treat specially.
const (
	CategorySecurity   = "SECURITY"
	CategoryAuth       = "AUTH"
	CategoryData       = "DATA"
	CategoryCompliance = "COMPLIANCE"
	CategorySystem     = "SYSTEM"
)

// NormalizeCategory upper-cases and trims a category label
func NormalizeCategory(category string) string {
	return strings.ToUpper(strings.TrimSpace(category))
}

// Severity is ordered LOW < MEDIUM < HIGH < CRITICAL
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AllSeverities lists severities in ascending order
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the ordinal of the severity; 0 for unknown values
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsValid reports whether the severity is one of the four known levels
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is at or above other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity case-insensitively
func ParseSeverity(value string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid severity: %q", value)
	}
	return s, nil
}

// Outcome records how the audited action ended
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeError   Outcome = "ERROR"
)

// IsValid reports whether the outcome is known
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeError:
		return true
	default:
		return false
	}
}

// IsHealthy is true only for SUCCESS
func (o Outcome) IsHealthy() bool {
	return o == OutcomeSuccess
}
