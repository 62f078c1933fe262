// Package memstore provides in-process repositories for development and
// tests. Every read and write copies the stored value so callers can never
// mutate what the store holds.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// EventStore is an append-only in-memory event repository
type EventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*audit.Event
	order  []uuid.UUID
}

// NewEventStore creates an empty store
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[uuid.UUID]*audit.Event)}
}

// Append stores a copy of the sealed event
func (s *EventStore) Append(ctx context.Context, event *audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !event.IsSealed() {
		return errors.NewValidationError("EVENT_NOT_SEALED", "only sealed events can be stored")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return errors.NewConflictError("DUPLICATE_EVENT", "event "+event.ID.String()+" already exists")
	}
	stored := event.Clone()
	stored.IntegrityVerified = nil
	s.events[event.ID] = stored
	s.order = append(s.order, event.ID)
	return nil
}

// Get returns a copy of the event
func (s *EventStore) Get(ctx context.Context, id uuid.UUID) (*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, errors.ErrEventNotFound
	}
	return e.Clone(), nil
}

// Query returns one page of matching events in sort order
func (s *EventStore) Query(ctx context.Context, filter audit.Filter, order audit.Sort) (*audit.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := s.match(filter)
	sort.Slice(matched, func(i, j int) bool { return order.Less(matched[i], matched[j]) })

	total := int64(len(matched))
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	page := make([]*audit.Event, 0, end-start)
	for _, e := range matched[start:end] {
		page = append(page, e.Clone())
	}
	return &audit.QueryResult{Events: page, TotalCount: total}, nil
}

// Stream visits every matching event oldest first, ignoring paging
func (s *EventStore) Stream(ctx context.Context, filter audit.Filter, fn func(*audit.Event) error) ([]audit.SkippedRecord, error) {
	matched := s.match(filter)
	asc := audit.Sort{Field: audit.SortByTimestamp}
	sort.Slice(matched, func(i, j int) bool { return asc.Less(matched[i], matched[j]) })

	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := fn(e.Clone()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Ping always succeeds
func (s *EventStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored events
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Tamper rewrites a stored event in place. It exists so tests can simulate
// storage-level corruption that bypasses the append-only API.
func (s *EventStore) Tamper(id uuid.UUID, mutate func(*audit.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return false
	}
	mutate(e)
	return true
}

// match snapshots the matching events under the read lock
func (s *EventStore) match(filter audit.Filter) []*audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Event, 0)
	for _, id := range s.order {
		e := s.events[id]
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
