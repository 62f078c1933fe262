package audit

import (
	"fmt"
	"strings"
	"time"
)

// RuleKind selects how a rule is evaluated
type RuleKind string

const (
	// RuleKindThreshold fires when matching events within the trailing window
	// reach the threshold count
	RuleKindThreshold RuleKind = "threshold"
	// RuleKindTrend is accepted but not evaluated yet
	RuleKindTrend RuleKind = "trend"
)

// Threshold is the count/window pair a threshold rule fires on
type Threshold struct {
	Count  int           `json:"count" koanf:"count"`
	Window time.Duration `json:"window" koanf:"window"`
}

// RuleMatch is the predicate part of a rule. It is a subset of Filter:
// time range and paging come from the rule's threshold window instead.
type RuleMatch struct {
	EventTypes   []EventType `json:"event_types,omitempty" koanf:"event_types"`
	Categories   []string    `json:"categories,omitempty" koanf:"categories"`
	Severities   []Severity  `json:"severities,omitempty" koanf:"severities"`
	Outcomes     []Outcome   `json:"outcomes,omitempty" koanf:"outcomes"`
	ActorID      string      `json:"actor_id,omitempty" koanf:"actor_id"`
	ResourceType string      `json:"resource_type,omitempty" koanf:"resource_type"`
	FreeText     string      `json:"free_text,omitempty" koanf:"free_text"`
}

// AlertRule is a declarative alerting rule
type AlertRule struct {
	ID          string    `json:"rule_id" koanf:"id"`
	Name        string    `json:"name" koanf:"name"`
	Description string    `json:"description" koanf:"description"`
	Kind        RuleKind  `json:"kind" koanf:"kind"`
	Match       RuleMatch `json:"match" koanf:"match"`
	Threshold   Threshold `json:"threshold" koanf:"threshold"`
	Severity    Severity  `json:"severity" koanf:"severity"`
	Category    string    `json:"category" koanf:"category"`
	RiskScore   float64   `json:"risk_score,omitempty" koanf:"risk_score"`
	Enabled     bool      `json:"enabled" koanf:"enabled"`
}

// Validate reports the first structural problem with the rule
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	switch r.Kind {
	case RuleKindThreshold, RuleKindTrend:
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Threshold.Count <= 0 {
		return fmt.Errorf("rule %s: threshold count must be positive", r.ID)
	}
	if r.Threshold.Window <= 0 {
		return fmt.Errorf("rule %s: threshold window must be positive", r.ID)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.RiskScore < 0 {
		return fmt.Errorf("rule %s: risk score cannot be negative", r.ID)
	}
	for _, s := range r.Match.Severities {
		if !s.IsValid() {
			return fmt.Errorf("rule %s: invalid match severity %q", r.ID, s)
		}
	}
	for _, o := range r.Match.Outcomes {
		if !o.IsValid() {
			return fmt.Errorf("rule %s: invalid match outcome %q", r.ID, o)
		}
	}
	return nil
}

// Filter converts the rule predicate into an event filter over [end-window, end]
func (r *AlertRule) Filter(end time.Time) Filter {
	start := end.Add(-r.Threshold.Window)
	// Threshold windows include the triggering event itself.
	stop := end.Add(time.Microsecond)
	return Filter{
		StartDate:    &start,
		EndDate:      &stop,
		EventTypes:   r.Match.EventTypes,
		Categories:   r.Match.Categories,
		Severities:   r.Match.Severities,
		ActorID:      r.Match.ActorID,
		ResourceType: r.Match.ResourceType,
		FreeText:     r.Match.FreeText,
	}.Normalize(MaxPageSize)
}

// MatchesEvent evaluates the rule predicate, ignoring the time window
func (r *AlertRule) MatchesEvent(e *Event) bool {
	f := Filter{
		EventTypes:   r.Match.EventTypes,
		Categories:   r.Match.Categories,
		Severities:   r.Match.Severities,
		ActorID:      r.Match.ActorID,
		ResourceType: r.Match.ResourceType,
		FreeText:     r.Match.FreeText,
	}.Normalize(MaxPageSize)
	if !f.Matches(e) {
		return false
	}
	if len(r.Match.Outcomes) > 0 {
		for _, o := range r.Match.Outcomes {
			if o == e.Outcome {
				return true
			}
		}
		return false
	}
	return true
}
