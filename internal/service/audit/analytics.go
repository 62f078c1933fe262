package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// RiskWeights are the risk units contributed by open alerts and by
// SECURITY-category events, per severity
type RiskWeights struct {
	AlertCritical    float64 `json:"alert_critical" koanf:"alert_critical"`
	AlertHigh        float64 `json:"alert_high" koanf:"alert_high"`
	AlertMedium      float64 `json:"alert_medium" koanf:"alert_medium"`
	AlertLow         float64 `json:"alert_low" koanf:"alert_low"`
	SecurityCritical float64 `json:"security_critical" koanf:"security_critical"`
	SecurityHigh     float64 `json:"security_high" koanf:"security_high"`
	SecurityMedium   float64 `json:"security_medium" koanf:"security_medium"`
	SecurityLow      float64 `json:"security_low" koanf:"security_low"`
}

// ScoringConfig parameterises the compliance and risk scores
type ScoringConfig struct {
	Weights audit.ScoreWeights `json:"weights"`
	// Each health component is 1 - penalty * bad fraction, floored at 0
	OutcomePenalty   float64 `json:"outcome_penalty"`
	SeverityPenalty  float64 `json:"severity_penalty"`
	IntegrityPenalty float64 `json:"integrity_penalty"`
	// HIGH events count as this fraction of a CRITICAL event
	HighSeverityFactor float64     `json:"high_severity_factor"`
	Risk               RiskWeights `json:"risk"`
}

// AnalyticsConfig configures the aggregator
type AnalyticsConfig struct {
	Scoring             ScoringConfig
	IntegritySampleRate float64
	TopActors           int
}

// DefaultScoringConfig returns the documented default weighting
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights:            audit.DefaultScoreWeights(),
		OutcomePenalty:     2,
		SeverityPenalty:    2,
		IntegrityPenalty:   5,
		HighSeverityFactor: 0.5,
		Risk: RiskWeights{
			AlertCritical:    25,
			AlertHigh:        10,
			AlertMedium:      3,
			AlertLow:         1,
			SecurityCritical: 5,
			SecurityHigh:     2,
			SecurityMedium:   0.5,
			SecurityLow:      0.1,
		},
	}
}

// DefaultAnalyticsConfig returns sensible defaults
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		Scoring:             DefaultScoringConfig(),
		IntegritySampleRate: 0.25,
		TopActors:           10,
	}
}

// Aggregator computes analytics snapshots by streaming events from the store.
// It keeps no state between calls; every snapshot is recomputed from the
// events unless served from the snapshot cache, which is invalidated on every
// append.
type Aggregator struct {
	events  audit.EventRepository
	alerts  audit.AlertRepository
	sealer  *Sealer
	cache   SnapshotCache
	config  AnalyticsConfig
	metrics *Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewAggregator creates an aggregator. alerts and cache may be nil.
func NewAggregator(events audit.EventRepository, alerts audit.AlertRepository, sealer *Sealer, cache SnapshotCache, config AnalyticsConfig, metrics *Metrics, logger *zap.Logger) *Aggregator {
	if config.TopActors <= 0 {
		config.TopActors = DefaultAnalyticsConfig().TopActors
	}
	return &Aggregator{
		events:  events,
		alerts:  alerts,
		sealer:  sealer,
		cache:   cache,
		config:  config,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("audit.analytics"),
	}
}

// Scoring returns the scoring parameters in use
func (a *Aggregator) Scoring() ScoringConfig {
	return a.config.Scoring
}

// Aggregate computes the snapshot for the window. The filter's own time range
// and paging are ignored. Store failures before any event was read are
// returned as errors; later failures yield a partial snapshot.
func (a *Aggregator) Aggregate(ctx context.Context, window audit.Window, filter audit.Filter) (*audit.Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "audit.Aggregate", trace.WithAttributes(
		attribute.String("audit.window_start", window.Start.Format(time.RFC3339)),
		attribute.String("audit.window_end", window.End.Format(time.RFC3339)),
	))
	defer span.End()
	start := time.Now()
	defer func() { a.metrics.AggregateDuration.Observe(time.Since(start).Seconds()) }()

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	filter = filter.Normalize(audit.MaxPageSize).WithWindow(window.Start, window.End)
	filter.Limit, filter.Offset = 0, 0

	key := snapshotKey(window, filter)
	// The generation is read before the events so an append that lands
	// while they are read orphans the snapshot computed here.
	var (
		generation int64
		cacheable  bool
	)
	if a.cache != nil {
		cached, gen, err := a.cache.GetSnapshot(ctx, key)
		switch {
		case err != nil:
			a.logger.Debug("Snapshot cache unavailable", zap.Error(err))
		case cached != nil:
			a.metrics.SnapshotCacheHits.WithLabelValues("hit").Inc()
			return cached, nil
		default:
			a.metrics.SnapshotCacheHits.WithLabelValues("miss").Inc()
			generation, cacheable = gen, true
		}
	}

	acc := newAccumulator(window, a.config, a.sealer)
	skipped, err := a.events.Stream(ctx, filter, acc.add)
	if err != nil {
		if acc.total == 0 {
			return nil, asStoreError(err, "failed to read audit events for analytics")
		}
		a.logger.Warn("Analytics stream interrupted, returning partial snapshot",
			zap.Int64("events_read", acc.total),
			zap.Error(err))
		acc.markPartial("event stream interrupted after %d events", acc.total)
	}
	a.recordSkipped(acc, skipped, "aggregate")
	snapshot := a.finish(ctx, acc)
	span.SetAttributes(
		attribute.Int64("audit.total_events", snapshot.TotalEvents),
		attribute.Float64("audit.compliance_score", snapshot.ComplianceScore),
	)

	if cacheable && !snapshot.Partial {
		if err := a.cache.SetSnapshot(ctx, generation, key, snapshot); err != nil {
			a.logger.Debug("Failed to cache snapshot", zap.Error(err))
		}
	}
	return snapshot, nil
}

// recordSkipped logs undecodable stored events and marks the snapshot partial
func (a *Aggregator) recordSkipped(acc *accumulator, skipped []audit.SkippedRecord, operation string) {
	if len(skipped) == 0 {
		return
	}
	for _, s := range skipped {
		a.metrics.SkippedRecords.WithLabelValues(operation).Inc()
		a.logger.Warn("Skipping malformed stored audit event",
			zap.String("operation", operation),
			zap.String("event_id", s.EventID),
			zap.String("reason", s.Reason))
	}
	acc.skipped += int64(len(skipped))
	acc.markPartial("%d stored events could not be decoded", len(skipped))
}

// finish folds the open alerts into the risk score and builds the snapshot
func (a *Aggregator) finish(ctx context.Context, acc *accumulator) *audit.Snapshot {
	var openAlerts []*audit.Alert
	if a.alerts != nil {
		var err error
		openAlerts, err = a.alerts.ListOpen(ctx)
		if err != nil {
			a.logger.Warn("Open alerts unavailable for risk score", zap.Error(err))
			acc.markPartial("open alerts unavailable")
		}
	}
	return acc.snapshot(openAlerts)
}

// snapshotKey identifies a window and filter combination
func snapshotKey(window audit.Window, filter audit.Filter) string {
	raw, _ := json.Marshal(struct {
		Window audit.Window `json:"w"`
		Filter audit.Filter `json:"f"`
	}{window, filter})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// accumulator folds a stream of events into snapshot counters
type accumulator struct {
	window  audit.Window
	config  AnalyticsConfig
	sealer  *Sealer
	buckets []int64

	total      int64
	byType     map[string]int64
	byCategory map[string]int64
	bySeverity map[string]int64
	byOutcome  map[string]int64
	byActor    map[string]int64

	unhealthyOutcomes int64
	critical          int64
	high              int64
	sampled           int64
	integrityFailures int64
	securityRisk      float64

	skipped int64
	partial bool
	errs    []string
}

func newAccumulator(window audit.Window, config AnalyticsConfig, sealer *Sealer) *accumulator {
	return &accumulator{
		window:     window,
		config:     config,
		sealer:     sealer,
		buckets:    make([]int64, len(window.BucketStarts())),
		byType:     make(map[string]int64),
		byCategory: make(map[string]int64),
		bySeverity: make(map[string]int64),
		byOutcome:  make(map[string]int64),
		byActor:    make(map[string]int64),
	}
}

func (acc *accumulator) add(e *audit.Event) error {
	idx := acc.window.BucketIndex(e.Timestamp)
	if idx < 0 || idx >= len(acc.buckets) {
		return nil
	}
	acc.buckets[idx]++
	acc.total++

	acc.byType[string(e.EventType)]++
	acc.byCategory[e.Category]++
	acc.bySeverity[string(e.Severity)]++
	acc.byOutcome[string(e.Outcome)]++
	if actor := e.ActorID(); actor != "" {
		acc.byActor[actor]++
	}

	if !e.Outcome.IsHealthy() {
		acc.unhealthyOutcomes++
	}
	switch e.Severity {
	case audit.SeverityCritical:
		acc.critical++
	case audit.SeverityHigh:
		acc.high++
	}

	if e.Category == audit.CategorySecurity || e.EventType == audit.EventSecurity {
		acc.securityRisk += securityWeight(acc.config.Scoring.Risk, e.Severity)
	}

	if acc.sealer != nil && sampleForIntegrity(e.ID, acc.config.IntegritySampleRate) {
		acc.sampled++
		if res := acc.sealer.Check(e); !res.Valid {
			acc.integrityFailures++
		}
	}
	return nil
}

func (acc *accumulator) markPartial(format string, args ...interface{}) {
	acc.partial = true
	acc.errs = append(acc.errs, fmt.Sprintf(format, args...))
}

func (acc *accumulator) snapshot(openAlerts []*audit.Alert) *audit.Snapshot {
	starts := acc.window.BucketStarts()
	series := make([]audit.TimeBucket, len(starts))
	for i, s := range starts {
		series[i] = audit.TimeBucket{Start: s, Count: acc.buckets[i]}
	}

	scoring := acc.config.Scoring
	compliance := ComplianceScore(scoring, ScoreInputs{
		Total:             acc.total,
		UnhealthyOutcomes: acc.unhealthyOutcomes,
		Critical:          acc.critical,
		High:              acc.high,
		Sampled:           acc.sampled,
		IntegrityFailures: acc.integrityFailures,
	})

	risk := acc.securityRisk
	var open int64
	for _, alert := range openAlerts {
		if !alert.IsOpen() || !alert.TriggerTime.Before(acc.window.End) {
			continue
		}
		open++
		risk += alertRisk(scoring.Risk, alert)
	}

	return &audit.Snapshot{
		Window:            acc.window,
		Resolution:        acc.window.Resolution(),
		TotalEvents:       acc.total,
		TimeSeries:        series,
		ByEventType:       acc.byType,
		ByCategory:        acc.byCategory,
		BySeverity:        acc.bySeverity,
		ByOutcome:         acc.byOutcome,
		TopActors:         topActors(acc.byActor, acc.config.TopActors),
		IntegritySampled:  acc.sampled,
		IntegrityFailures: acc.integrityFailures,
		ComplianceScore:   round2(compliance),
		RiskScore:         round2(risk),
		RiskScoreDisplay:  round2(clamp(risk, 0, 100)),
		OpenAlerts:        open,
		Partial:           acc.partial,
		SkippedEvents:     acc.skipped,
		Errors:            acc.errs,
	}
}

// ScoreInputs are the counters the compliance score is computed from
type ScoreInputs struct {
	Total             int64
	UnhealthyOutcomes int64
	Critical          int64
	High              int64
	Sampled           int64
	IntegrityFailures int64
}

// ComplianceScore combines outcome health, severity mix and integrity health
// into a 0-100 score. An empty window scores 100.
func ComplianceScore(cfg ScoringConfig, in ScoreInputs) float64 {
	if in.Total == 0 {
		return 100
	}
	total := float64(in.Total)

	outcomeHealth := clamp(1-cfg.OutcomePenalty*float64(in.UnhealthyOutcomes)/total, 0, 1)
	severe := float64(in.Critical) + cfg.HighSeverityFactor*float64(in.High)
	severityHealth := clamp(1-cfg.SeverityPenalty*severe/total, 0, 1)
	integrityHealth := 1.0
	if in.Sampled > 0 {
		integrityHealth = clamp(1-cfg.IntegrityPenalty*float64(in.IntegrityFailures)/float64(in.Sampled), 0, 1)
	}

	w := cfg.Weights
	sum := w.Sum()
	if sum <= 0 {
		w, sum = audit.DefaultScoreWeights(), audit.DefaultScoreWeights().Sum()
	}
	score := 100 * (w.Outcome*outcomeHealth + w.Severity*severityHealth + w.Integrity*integrityHealth) / sum
	return clamp(score, 0, 100)
}

func alertRisk(w RiskWeights, alert *audit.Alert) float64 {
	if alert.RiskScore != nil {
		return *alert.RiskScore
	}
	switch alert.Severity {
	case audit.SeverityCritical:
		return w.AlertCritical
	case audit.SeverityHigh:
		return w.AlertHigh
	case audit.SeverityMedium:
		return w.AlertMedium
	default:
		return w.AlertLow
	}
}

func securityWeight(w RiskWeights, s audit.Severity) float64 {
	switch s {
	case audit.SeverityCritical:
		return w.SecurityCritical
	case audit.SeverityHigh:
		return w.SecurityHigh
	case audit.SeverityMedium:
		return w.SecurityMedium
	default:
		return w.SecurityLow
	}
}

// sampleForIntegrity selects a deterministic subset of events by id so
// repeated aggregations verify the same events
func sampleForIntegrity(id uuid.UUID, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return binary.BigEndian.Uint32(id[12:16])%10000 < uint32(rate*10000)
}

func topActors(counts map[string]int64, n int) []audit.ActorCount {
	out := make([]audit.ActorCount, 0, len(counts))
	for actor, c := range counts {
		out = append(out, audit.ActorCount{ActorID: actor, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ActorID < out[j].ActorID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
