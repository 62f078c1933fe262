//go:build integration

package database_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/database"
	auditsvc "github.com/davidleathers/dependable-audit-engine/internal/service/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/testutil"
	"github.com/davidleathers/dependable-audit-engine/internal/testutil/fixtures"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func sealAll(t *testing.T, raws ...*audit.Event) []*audit.Event {
	t.Helper()
	sealer, err := auditsvc.NewSealer("sha256", zaptest.NewLogger(t))
	require.NoError(t, err)
	out := make([]*audit.Event, len(raws))
	for i, raw := range raws {
		out[i], err = sealer.Seal(testutil.TestContext(t), raw)
		require.NoError(t, err)
	}
	return out
}

func TestEventRepository(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	repo := database.NewEventRepository(tdb.Pool)

	t.Run("append and get", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		event := sealAll(t, fixtures.NewEventBuilder(base).
			WithTags("pii", "export").
			WithMetadata("rows", audit.IntValue(42)).
			Build())[0]

		require.NoError(t, repo.Append(ctx, event))
		got, err := repo.Get(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, event.Checksum, got.Checksum)
		assert.Equal(t, event.Metadata, got.Metadata)
		assert.True(t, got.Timestamp.Equal(event.Timestamp))

		sealer, err := auditsvc.NewSealer("sha256", zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.True(t, sealer.Check(got).Valid, "stored event still verifies")
	})

	t.Run("duplicate ids are rejected", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		event := sealAll(t, fixtures.NewEventBuilder(base).Build())[0]
		require.NoError(t, repo.Append(ctx, event))

		err := repo.Append(ctx, event)
		require.Error(t, err)
		assert.Equal(t, "DUPLICATE_EVENT", errors.CodeOf(err))
		tdb.AssertRowCount("audit_events", 1)
	})

	t.Run("rows cannot be updated", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		event := sealAll(t, fixtures.NewEventBuilder(base).Build())[0]
		require.NoError(t, repo.Append(ctx, event))

		_, err := tdb.Pool.Exec(ctx, "UPDATE audit_events SET description = 'x' WHERE id = $1", event.ID)
		assert.Error(t, err)
		_, err = tdb.Pool.Exec(ctx, "DELETE FROM audit_events WHERE id = $1", event.ID)
		assert.Error(t, err)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := repo.Get(testutil.TestContext(t), uuid.New())
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})

	t.Run("query filters and pages", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		var raws []*audit.Event
		for i := 0; i < 12; i++ {
			b := fixtures.NewEventBuilder(base.Add(time.Duration(i) * time.Minute))
			if i%3 == 0 {
				b.WithCategory("auth").WithSeverity(audit.SeverityHigh).WithAction("LOGIN", "login failed")
			}
			raws = append(raws, b.Build())
		}
		for _, e := range sealAll(t, raws...) {
			require.NoError(t, repo.Append(ctx, e))
		}

		result, err := repo.Query(ctx, audit.Filter{Categories: []string{"auth"}, Limit: 2}, audit.DefaultSort)
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.TotalCount)
		require.Len(t, result.Events, 2)
		assert.True(t, result.Events[0].Timestamp.After(result.Events[1].Timestamp))

		result, err = repo.Query(ctx, audit.Filter{FreeText: "LOGIN FAIL", Limit: 50}, audit.DefaultSort)
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.TotalCount)

		start, end := base.Add(2*time.Minute), base.Add(5*time.Minute)
		result, err = repo.Query(ctx, audit.Filter{StartDate: &start, EndDate: &end, Limit: 50}, audit.DefaultSort)
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.TotalCount, "end is exclusive")

		result, err = repo.Query(ctx, audit.Filter{Limit: 50}, audit.Sort{Field: audit.SortBySeverity, Descending: true})
		require.NoError(t, err)
		assert.Equal(t, audit.SeverityHigh, result.Events[0].Severity)
	})

	t.Run("stream skips undecodable rows", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		events := sealAll(t,
			fixtures.NewEventBuilder(base).Build(),
			fixtures.NewEventBuilder(base.Add(time.Minute)).Build(),
			fixtures.NewEventBuilder(base.Add(2*time.Minute)).Build(),
		)
		for _, e := range events {
			require.NoError(t, repo.Append(ctx, e))
		}

		_, err := tdb.Pool.Exec(ctx, "ALTER TABLE audit_events DISABLE TRIGGER audit_events_no_update")
		require.NoError(t, err)
		_, err = tdb.Pool.Exec(ctx, `UPDATE audit_events SET payload = '{"garbage": true}' WHERE id = $1`, events[1].ID)
		require.NoError(t, err)
		_, err = tdb.Pool.Exec(ctx, "ALTER TABLE audit_events ENABLE TRIGGER audit_events_no_update")
		require.NoError(t, err)

		var seen []uuid.UUID
		skipped, err := repo.Stream(ctx, audit.Filter{}, func(e *audit.Event) error {
			seen = append(seen, e.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{events[0].ID, events[2].ID}, seen)
		require.Len(t, skipped, 1)
		assert.Equal(t, events[1].ID.String(), skipped[0].EventID)
	})
}

func TestAlertRepository(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	repo := database.NewAlertRepository(tdb.Pool)
	rule := &audit.AlertRule{ID: "failed-logins", Name: "Failed logins", Severity: audit.SeverityHigh}

	t.Run("one open alert per rule", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		first := audit.NewAlert(rule, []uuid.UUID{uuid.New()}, base)
		created, existing, err := repo.CreateIfNoneOpen(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Nil(t, existing)

		second := audit.NewAlert(rule, nil, base.Add(time.Minute))
		created, existing, err = repo.CreateIfNoneOpen(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)
		require.NotNil(t, existing)
		assert.Equal(t, first.ID, existing.ID)

		require.NoError(t, first.Transition(audit.AlertStatusResolved, "ops", "handled", base.Add(2*time.Minute)))
		require.NoError(t, repo.Update(ctx, first, audit.AlertStatusOpen))

		created, _, err = repo.CreateIfNoneOpen(ctx, second)
		require.NoError(t, err)
		assert.True(t, created, "a resolved alert does not block a new one")

		alerts, total, err := repo.List(ctx, audit.AlertFilter{RuleID: rule.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Equal(t, second.ID, alerts[0].ID, "newest first")

		open, err := repo.ListOpen(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, second.ID, open[0].ID)
	})

	t.Run("update checks expected status", func(t *testing.T) {
		tdb.Truncate()
		ctx := testutil.TestContext(t)
		alert := audit.NewAlert(rule, nil, base)
		_, _, err := repo.CreateIfNoneOpen(ctx, alert)
		require.NoError(t, err)

		require.NoError(t, alert.Transition(audit.AlertStatusAcknowledged, "ops", "", base.Add(time.Minute)))
		err = repo.Update(ctx, alert, audit.AlertStatusInProgress)
		assert.Equal(t, "CONCURRENT_UPDATE", errors.CodeOf(err))

		require.NoError(t, repo.Update(ctx, alert, audit.AlertStatusOpen))
		got, err := repo.Get(ctx, alert.ID)
		require.NoError(t, err)
		assert.Equal(t, audit.AlertStatusAcknowledged, got.Status)
		assert.Equal(t, "ops", got.AcknowledgedBy)

		missing := audit.NewAlert(rule, nil, base)
		err = repo.Update(ctx, missing, audit.AlertStatusOpen)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestMonitoring(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	ctx := testutil.TestContext(t)

	reg := prometheus.NewRegistry()
	require.NoError(t, database.RegisterPoolMetrics(reg, tdb.Pool))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)

	repo := database.NewEventRepository(tdb.Pool)
	event := sealAll(t, fixtures.NewEventBuilder(base).Build())[0]
	require.NoError(t, repo.Append(ctx, event))

	stats, err := database.GetStorageStats(ctx, tdb.Pool)
	require.NoError(t, err)
	assert.Positive(t, stats.EventsBytes)
	assert.Equal(t, base.UnixMicro(), stats.OldestMicros)
}
