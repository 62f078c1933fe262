package audit

import (
	"time"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// Resolution is the width of a time-series bucket
type Resolution string

const (
	ResolutionHour Resolution = "hour"
	ResolutionDay  Resolution = "day"
	ResolutionWeek Resolution = "week"
)

// Duration returns the bucket width
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionHour:
		return time.Hour
	case ResolutionDay:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Window is a half-open analytics interval [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow validates and normalises a window to UTC microseconds
func NewWindow(start, end time.Time) (Window, error) {
	if start.IsZero() || end.IsZero() {
		return Window{}, errors.NewValidationError("MISSING_WINDOW", "start and end dates are required")
	}
	w := Window{
		Start: start.UTC().Truncate(time.Microsecond),
		End:   end.UTC().Truncate(time.Microsecond),
	}
	if !w.Start.Before(w.End) {
		return Window{}, errors.NewValidationError("INVALID_TIME_RANGE", "start date must be before end date")
	}
	return w, nil
}

// Duration returns the window length
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Resolution picks hourly buckets for windows up to two days, daily up to
// ninety days and weekly beyond that.
func (w Window) Resolution() Resolution {
	d := w.Duration()
	switch {
	case d <= 48*time.Hour:
		return ResolutionHour
	case d <= 90*24*time.Hour:
		return ResolutionDay
	default:
		return ResolutionWeek
	}
}

// BucketStarts returns the start of every bucket covering the window. Buckets
// are aligned to the window start so the first bucket is never partial.
func (w Window) BucketStarts() []time.Time {
	step := w.Resolution().Duration()
	var out []time.Time
	for t := w.Start; t.Before(w.End); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// BucketIndex maps a timestamp inside the window to its bucket, or -1
func (w Window) BucketIndex(ts time.Time) int {
	if ts.Before(w.Start) || !ts.Before(w.End) {
		return -1
	}
	return int(ts.Sub(w.Start) / w.Resolution().Duration())
}

// TimeBucket is one point of the event-count time series
type TimeBucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}

// ActorCount is an entry of the top-actor list
type ActorCount struct {
	ActorID string `json:"actor_id"`
	Count   int64  `json:"count"`
}

// Snapshot is a derived, recomputable view over a window of events. It is
// never authoritative over the underlying events.
type Snapshot struct {
	Window      Window     `json:"window"`
	Resolution  Resolution `json:"resolution"`
	TotalEvents int64      `json:"total_events"`

	TimeSeries  []TimeBucket     `json:"time_series"`
	ByEventType map[string]int64 `json:"by_event_type"`
	ByCategory  map[string]int64 `json:"by_category"`
	BySeverity  map[string]int64 `json:"by_severity"`
	ByOutcome   map[string]int64 `json:"by_outcome"`
	TopActors   []ActorCount     `json:"top_actors"`

	IntegritySampled  int64 `json:"integrity_sampled"`
	IntegrityFailures int64 `json:"integrity_failures"`

	ComplianceScore  float64 `json:"compliance_score"`
	RiskScore        float64 `json:"risk_score"`
	RiskScoreDisplay float64 `json:"risk_score_display"`
	OpenAlerts       int64   `json:"open_alerts"`

	// Partial is set when some stored events or inputs could not be read;
	// Errors then carries the markers.
	Partial       bool     `json:"partial"`
	SkippedEvents int64    `json:"skipped_events"`
	Errors        []string `json:"errors,omitempty"`
}

// ScoreWeights weights the three compliance health components. They are
// normalised by their sum.
type ScoreWeights struct {
	Outcome   float64 `json:"outcome" koanf:"outcome"`
	Severity  float64 `json:"severity" koanf:"severity"`
	Integrity float64 `json:"integrity" koanf:"integrity"`
}

// DefaultScoreWeights is 50% outcome health, 30% severity mix, 20% integrity
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Outcome: 0.5, Severity: 0.3, Integrity: 0.2}
}

// Validate rejects negative weights and an all-zero set
func (w ScoreWeights) Validate() error {
	if w.Outcome < 0 || w.Severity < 0 || w.Integrity < 0 {
		return errors.NewValidationError("INVALID_WEIGHTS", "score weights cannot be negative")
	}
	if w.Sum() == 0 {
		return errors.NewValidationError("INVALID_WEIGHTS", "score weights cannot all be zero")
	}
	return nil
}

// Sum returns the total weight
func (w ScoreWeights) Sum() float64 {
	return w.Outcome + w.Severity + w.Integrity
}
