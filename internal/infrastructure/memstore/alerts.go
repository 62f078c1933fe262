package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// AlertStore is an in-memory alert repository. A single mutex makes
// CreateIfNoneOpen atomic per rule.
type AlertStore struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*audit.Alert
	// open maps rule id to its unresolved alert
	open map[string]uuid.UUID
}

// NewAlertStore creates an empty store
func NewAlertStore() *AlertStore {
	return &AlertStore{
		alerts: make(map[uuid.UUID]*audit.Alert),
		open:   make(map[string]uuid.UUID),
	}
}

// CreateIfNoneOpen inserts the alert unless the rule already has an
// unresolved one
func (s *AlertStore) CreateIfNoneOpen(ctx context.Context, alert *audit.Alert) (bool, *audit.Alert, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.open[alert.RuleID]; ok {
		return false, s.alerts[id].Clone(), nil
	}
	if _, exists := s.alerts[alert.ID]; exists {
		return false, nil, errors.NewConflictError("DUPLICATE_ALERT", "alert "+alert.ID.String()+" already exists")
	}
	s.alerts[alert.ID] = alert.Clone()
	if alert.IsOpen() {
		s.open[alert.RuleID] = alert.ID
	}
	return true, nil, nil
}

// Get returns a copy of the alert
func (s *AlertStore) Get(ctx context.Context, id uuid.UUID) (*audit.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, errors.ErrAlertNotFound
	}
	return a.Clone(), nil
}

// Update replaces the stored alert if its status still equals expected
func (s *AlertStore) Update(ctx context.Context, alert *audit.Alert, expected audit.AlertStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.alerts[alert.ID]
	if !ok {
		return errors.ErrAlertNotFound
	}
	if current.Status != expected {
		return errors.NewConflictError("CONCURRENT_UPDATE", "alert status changed concurrently")
	}
	s.alerts[alert.ID] = alert.Clone()
	if !alert.IsOpen() && s.open[alert.RuleID] == alert.ID {
		delete(s.open, alert.RuleID)
	}
	return nil
}

// List returns matching alerts newest first
func (s *AlertStore) List(ctx context.Context, filter audit.AlertFilter) ([]*audit.Alert, int64, error) {
	s.mu.Lock()
	matched := make([]*audit.Alert, 0)
	for _, a := range s.alerts {
		if filter.Matches(a) {
			matched = append(matched, a.Clone())
		}
	}
	s.mu.Unlock()

	sortNewestFirst(matched)
	total := int64(len(matched))
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// ListOpen returns every unresolved alert
func (s *AlertStore) ListOpen(ctx context.Context) ([]*audit.Alert, error) {
	s.mu.Lock()
	out := make([]*audit.Alert, 0, len(s.open))
	for _, id := range s.open {
		out = append(out, s.alerts[id].Clone())
	}
	s.mu.Unlock()
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(alerts []*audit.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].TriggerTime.Equal(alerts[j].TriggerTime) {
			return alerts[i].TriggerTime.After(alerts[j].TriggerTime)
		}
		return alerts[i].ID.String() > alerts[j].ID.String()
	})
}
