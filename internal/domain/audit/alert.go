package audit

import (
	"time"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	"github.com/google/uuid"
)

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "OPEN"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusInProgress   AlertStatus = "IN_PROGRESS"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:         {AlertStatusAcknowledged, AlertStatusResolved},
	AlertStatusAcknowledged: {AlertStatusInProgress, AlertStatusResolved},
	AlertStatusInProgress:   {AlertStatusResolved},
	AlertStatusResolved:     {},
}

// IsValid reports whether the status is known
func (s AlertStatus) IsValid() bool {
	_, ok := alertTransitions[s]
	return ok
}

// IsTerminal is true only for RESOLVED
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Alert is raised by the alert engine when a rule fires. It is only ever
// mutated through Transition and is never deleted.
type Alert struct {
	ID               uuid.UUID   `json:"alert_id"`
	RuleID           string      `json:"rule_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Severity         Severity    `json:"severity"`
	Category         string      `json:"category"`
	Status           AlertStatus `json:"status"`
	TriggerTime      time.Time   `json:"trigger_time"`
	AcknowledgedAt   *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string      `json:"acknowledged_by,omitempty"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy       string      `json:"resolved_by,omitempty"`
	ResolutionNote   string      `json:"resolution_note,omitempty"`
	EvidenceEventIDs []uuid.UUID `json:"evidence_event_ids"`
	RiskScore        *float64    `json:"risk_score,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// NewAlert creates an OPEN alert for the rule with the given evidence
func NewAlert(rule *AlertRule, evidence []uuid.UUID, at time.Time) *Alert {
	at = at.UTC().Truncate(time.Microsecond)
	a := &Alert{
		ID:               uuid.New(),
		RuleID:           rule.ID,
		Title:            rule.Name,
		Description:      rule.Description,
		Severity:         rule.Severity,
		Category:         rule.Category,
		Status:           AlertStatusOpen,
		TriggerTime:      at,
		EvidenceEventIDs: append([]uuid.UUID(nil), evidence...),
		UpdatedAt:        at,
	}
	if rule.RiskScore > 0 {
		score := rule.RiskScore
		a.RiskScore = &score
	}
	return a
}

// Transition moves the alert to next, recording who did it. RESOLVED is
// terminal; any other illegal move yields INVALID_TRANSITION.
func (a *Alert) Transition(next AlertStatus, actor, note string, at time.Time) error {
	if !next.IsValid() {
		return errors.NewValidationError("INVALID_STATUS", "unknown alert status: "+string(next))
	}
	if a.Status.IsTerminal() {
		return errors.NewConflictError("ALERT_RESOLVED", "resolved alerts cannot change status")
	}
	if !a.Status.CanTransitionTo(next) {
		return errors.NewConflictError("INVALID_TRANSITION",
			"cannot move alert from "+string(a.Status)+" to "+string(next))
	}

	at = at.UTC().Truncate(time.Microsecond)
	switch next {
	case AlertStatusAcknowledged:
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = actor
	case AlertStatusResolved:
		a.ResolvedAt = &at
		a.ResolvedBy = actor
		a.ResolutionNote = note
	}
	a.Status = next
	a.UpdatedAt = at
	return nil
}

// IsOpen is true for every non-terminal status
func (a *Alert) IsOpen() bool {
	return !a.Status.IsTerminal()
}

// Clone returns a deep copy
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.RiskScore != nil {
		s := *a.RiskScore
		c.RiskScore = &s
	}
	c.EvidenceEventIDs = append([]uuid.UUID(nil), a.EvidenceEventIDs...)
	return &c
}

// AlertFilter selects alerts for listing
type AlertFilter struct {
	Statuses   []AlertStatus `json:"statuses,omitempty"`
	Severities []Severity    `json:"severities,omitempty"`
	RuleID     string        `json:"rule_id,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Offset     int           `json:"offset,omitempty"`
}

// Matches evaluates the filter against an alert. Paging is ignored.
func (f AlertFilter) Matches(a *Alert) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == a.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, a.Severity) {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	return true
}

// AlertSummary counts alerts by status and severity
type AlertSummary struct {
	Total      int64                 `json:"total"`
	ByStatus   map[AlertStatus]int64 `json:"by_status"`
	BySeverity map[Severity]int64    `json:"by_severity"`
	OpenHigh   int64                 `json:"open_high_or_critical"`
}

// Summarize builds an AlertSummary over the given alerts
func Summarize(alerts []*Alert) AlertSummary {
	s := AlertSummary{
		ByStatus:   make(map[AlertStatus]int64),
		BySeverity: make(map[Severity]int64),
	}
	for _, a := range alerts {
		s.Total++
		s.ByStatus[a.Status]++
		s.BySeverity[a.Severity]++
		if a.IsOpen() && a.Severity.AtLeast(SeverityHigh) {
			s.OpenHigh++
		}
	}
	return s
}
