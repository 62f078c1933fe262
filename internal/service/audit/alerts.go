package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// AlertEngineConfig configures rule evaluation
type AlertEngineConfig struct {
	EvaluationInterval time.Duration `json:"evaluation_interval"`
	MaxEvidence        int           `json:"max_evidence"`
}

// DefaultAlertEngineConfig returns sensible defaults
func DefaultAlertEngineConfig() AlertEngineConfig {
	return AlertEngineConfig{
		EvaluationInterval: 30 * time.Second,
		MaxEvidence:        50,
	}
}

var errUnsupportedRuleKind = fmt.Errorf("rule kind is not supported by the evaluator")

// AlertEngine evaluates threshold rules against the trailing window of
// events and manages the alert lifecycle. At most one unresolved alert exists
// per rule; the alert store enforces that atomically.
type AlertEngine struct {
	events    audit.EventRepository
	alerts    audit.AlertRepository
	snapshots SnapshotCache
	config    AlertEngineConfig
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	rules    map[string]*audit.AlertRule
	notifier AlertNotifier
}

// NewAlertEngine creates an alert engine with no rules
func NewAlertEngine(events audit.EventRepository, alerts audit.AlertRepository, config AlertEngineConfig, metrics *Metrics, logger *zap.Logger) *AlertEngine {
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = DefaultAlertEngineConfig().EvaluationInterval
	}
	if config.MaxEvidence <= 0 {
		config.MaxEvidence = DefaultAlertEngineConfig().MaxEvidence
	}
	return &AlertEngine{
		events:  events,
		alerts:  alerts,
		config:  config,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		rules:   make(map[string]*audit.AlertRule),
	}
}

// SetNotifier registers the receiver of alert notifications
func (e *AlertEngine) SetNotifier(n AlertNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetSnapshotCache registers the cache invalidated on alert changes, since
// open alerts feed the risk score
func (e *AlertEngine) SetSnapshotCache(c SnapshotCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots = c
}

// LoadRules installs rules from configuration. Invalid rules are kept so
// they show up in listings, but every evaluation cycle skips them with a
// warning.
func (e *AlertEngine) LoadRules(rules []audit.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			e.logger.Warn("Loaded invalid alert rule; it will be skipped",
				zap.String("rule_id", r.ID),
				zap.Error(err))
		}
		e.rules[r.ID] = &r
	}
}

// RegisterRule adds or replaces a rule after validating it
func (e *AlertEngine) RegisterRule(rule audit.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return errors.NewValidationError("INVALID_RULE", err.Error())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &rule
	e.logger.Info("Registered alert rule",
		zap.String("rule_id", rule.ID),
		zap.String("kind", string(rule.Kind)),
		zap.Int("threshold", rule.Threshold.Count),
		zap.Duration("window", rule.Threshold.Window))
	return nil
}

// SetRuleEnabled enables or disables a rule
func (e *AlertEngine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return errors.NewNotFoundError("alert rule")
	}
	updated := *r
	updated.Enabled = enabled
	e.rules[id] = &updated
	return nil
}

// Rules returns a copy of all rules ordered by id
func (e *AlertEngine) Rules() []audit.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]audit.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *AlertEngine) activeRules() []*audit.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*audit.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnEvent evaluates every enabled rule whose predicate matches the event,
// over the window ending at the event's timestamp. Callers must only pass
// durably appended events.
func (e *AlertEngine) OnEvent(ctx context.Context, event *audit.Event) []*audit.Alert {
	var raised []*audit.Alert
	for _, rule := range e.activeRules() {
		if rule.Validate() == nil && !rule.MatchesEvent(event) {
			continue
		}
		if alert := e.evaluate(ctx, rule, event.Timestamp); alert != nil {
			raised = append(raised, alert)
		}
	}
	return raised
}

// EvaluateAll evaluates every enabled rule over the window ending at 'at'
func (e *AlertEngine) EvaluateAll(ctx context.Context, at time.Time) []*audit.Alert {
	var raised []*audit.Alert
	for _, rule := range e.activeRules() {
		if ctx.Err() != nil {
			break
		}
		if alert := e.evaluate(ctx, rule, at); alert != nil {
			raised = append(raised, alert)
		}
	}
	return raised
}

// Run re-evaluates all rules on every tick until ctx is cancelled
func (e *AlertEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.EvaluationInterval)
	defer ticker.Stop()

	e.logger.Info("Alert engine started",
		zap.Duration("interval", e.config.EvaluationInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Alert engine stopped")
			return
		case <-ticker.C:
			e.EvaluateAll(ctx, e.now())
		}
	}
}

// evaluate runs one rule and returns the alert it created, if any. Failures
// are logged and counted; they never propagate to other rules.
func (e *AlertEngine) evaluate(ctx context.Context, rule *audit.AlertRule, end time.Time) (alert *audit.Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.ruleFailed(rule, fmt.Errorf("panic during evaluation: %v", r))
			alert = nil
		}
	}()

	alert, err := e.evaluateRule(ctx, rule, end)
	if err != nil {
		e.ruleFailed(rule, err)
		return nil
	}
	return alert
}

func (e *AlertEngine) ruleFailed(rule *audit.AlertRule, err error) {
	e.metrics.RuleEvaluationErrors.WithLabelValues(rule.ID).Inc()
	e.logger.Warn("Alert rule evaluation skipped",
		zap.String("rule_id", rule.ID),
		zap.Error(err))
}

func (e *AlertEngine) evaluateRule(ctx context.Context, rule *audit.AlertRule, end time.Time) (*audit.Alert, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Kind != audit.RuleKindThreshold {
		return nil, fmt.Errorf("%w: %s", errUnsupportedRuleKind, rule.Kind)
	}

	var (
		count    int
		evidence []uuid.UUID
	)
	skipped, err := e.events.Stream(ctx, rule.Filter(end), func(ev *audit.Event) error {
		if !rule.MatchesEvent(ev) {
			return nil
		}
		count++
		evidence = append(evidence, ev.ID)
		if len(evidence) > e.config.MaxEvidence {
			evidence = evidence[1:]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading events for rule window: %w", err)
	}
	for _, s := range skipped {
		e.metrics.SkippedRecords.WithLabelValues("alerts").Inc()
		e.logger.Warn("Skipping malformed stored audit event",
			zap.String("rule_id", rule.ID),
			zap.String("event_id", s.EventID),
			zap.String("reason", s.Reason))
	}

	if count < rule.Threshold.Count {
		return nil, nil
	}

	candidate := audit.NewAlert(rule, evidence, e.now())
	created, existing, err := e.alerts.CreateIfNoneOpen(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("creating alert: %w", err)
	}
	if !created {
		e.metrics.AlertsDeduplicated.WithLabelValues(rule.ID).Inc()
		if existing != nil {
			e.logger.Debug("Alert already open for rule",
				zap.String("rule_id", rule.ID),
				zap.String("alert_id", existing.ID.String()))
		}
		return nil, nil
	}

	e.metrics.AlertsCreated.WithLabelValues(rule.ID, string(rule.Severity)).Inc()
	e.logger.Warn("Audit alert raised",
		zap.String("alert_id", candidate.ID.String()),
		zap.String("rule_id", rule.ID),
		zap.String("severity", string(candidate.Severity)),
		zap.Int("matching_events", count),
		zap.Int("threshold", rule.Threshold.Count))
	e.afterChange(ctx, candidate, true)
	return candidate, nil
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED
func (e *AlertEngine) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*audit.Alert, error) {
	return e.transition(ctx, id, audit.AlertStatusAcknowledged, actor, "")
}

// StartProgress moves an ACKNOWLEDGED alert to IN_PROGRESS
func (e *AlertEngine) StartProgress(ctx context.Context, id uuid.UUID, actor string) (*audit.Alert, error) {
	return e.transition(ctx, id, audit.AlertStatusInProgress, actor, "")
}

// Resolve moves an alert to the terminal RESOLVED state
func (e *AlertEngine) Resolve(ctx context.Context, id uuid.UUID, actor, note string) (*audit.Alert, error) {
	return e.transition(ctx, id, audit.AlertStatusResolved, actor, note)
}

func (e *AlertEngine) transition(ctx context.Context, id uuid.UUID, next audit.AlertStatus, actor, note string) (*audit.Alert, error) {
	alert, err := e.alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := alert.Status
	if err := alert.Transition(next, actor, note, e.now()); err != nil {
		return nil, err
	}
	if err := e.alerts.Update(ctx, alert, previous); err != nil {
		return nil, err
	}

	e.logger.Info("Audit alert status changed",
		zap.String("alert_id", alert.ID.String()),
		zap.String("rule_id", alert.RuleID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.String("actor", actor))
	e.afterChange(ctx, alert, false)
	return alert, nil
}

// Get returns a single alert
func (e *AlertEngine) Get(ctx context.Context, id uuid.UUID) (*audit.Alert, error) {
	return e.alerts.Get(ctx, id)
}

// List returns alerts matching the filter, newest first
func (e *AlertEngine) List(ctx context.Context, filter audit.AlertFilter) ([]*audit.Alert, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = audit.DefaultPageSize
	}
	if filter.Limit > audit.MaxPageSize {
		filter.Limit = audit.MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.alerts.List(ctx, filter)
}

// Summary counts every alert by status and severity
func (e *AlertEngine) Summary(ctx context.Context) (audit.AlertSummary, error) {
	var all []*audit.Alert
	filter := audit.AlertFilter{Limit: audit.MaxPageSize}
	for {
		page, total, err := e.alerts.List(ctx, filter)
		if err != nil {
			return audit.AlertSummary{}, err
		}
		all = append(all, page...)
		filter.Offset += len(page)
		if len(page) == 0 || int64(filter.Offset) >= total {
			break
		}
	}
	return audit.Summarize(all), nil
}

func (e *AlertEngine) afterChange(ctx context.Context, alert *audit.Alert, created bool) {
	e.mu.RLock()
	notifier, snapshots := e.notifier, e.snapshots
	e.mu.RUnlock()

	if snapshots != nil {
		if err := snapshots.Invalidate(ctx); err != nil {
			e.logger.Warn("Failed to invalidate analytics snapshots", zap.Error(err))
		}
	}
	if notifier != nil {
		if created {
			notifier.AlertRaised(alert.Clone())
		} else {
			notifier.AlertUpdated(alert.Clone())
		}
	}
}
