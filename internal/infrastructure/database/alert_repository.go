package database

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

const (
	alertsTable = "audit_alerts"
	// A resolve can race the lookup of the open alert; retry a few times.
	createAttempts = 3
)

// AlertRepository is the PostgreSQL audit.AlertRepository. A partial unique
// index on rule_id keeps at most one unresolved alert per rule.
type AlertRepository struct {
	db *pgxpool.Pool
}

// NewAlertRepository creates a PostgreSQL alert repository
func NewAlertRepository(db *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateIfNoneOpen inserts the alert unless its rule already has an
// unresolved one, which is returned instead
func (r *AlertRepository) CreateIfNoneOpen(ctx context.Context, alert *audit.Alert) (bool, *audit.Alert, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return false, nil, errors.NewInternalError("failed to marshal alert").WithCause(err)
	}

	query := `
		INSERT INTO audit_alerts (id, rule_id, status, severity, trigger_time, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id) WHERE status <> 'RESOLVED' DO NOTHING`

	for attempt := 0; attempt < createAttempts; attempt++ {
		tag, err := r.db.Exec(ctx, query,
			alert.ID,
			alert.RuleID,
			string(alert.Status),
			string(alert.Severity),
			alert.TriggerTime,
			alert.UpdatedAt,
			payload,
		)
		if err != nil {
			return false, nil, errors.NewStoreError("failed to create alert").WithCause(err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil, nil
		}

		existing, err := r.scanOne(ctx,
			`SELECT payload FROM audit_alerts WHERE rule_id = $1 AND status <> 'RESOLVED'`, alert.RuleID)
		if err == nil {
			return false, existing, nil
		}
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			return false, nil, err
		}
	}
	return false, nil, errors.NewConflictError("CONCURRENT_UPDATE", "open alert for rule "+alert.RuleID+" changed concurrently")
}

// Get returns the alert
func (r *AlertRepository) Get(ctx context.Context, id uuid.UUID) (*audit.Alert, error) {
	return r.scanOne(ctx, `SELECT payload FROM audit_alerts WHERE id = $1`, id)
}

// Update writes the alert if its stored status still equals expected
func (r *AlertRepository) Update(ctx context.Context, alert *audit.Alert, expected audit.AlertStatus) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.NewInternalError("failed to marshal alert").WithCause(err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE audit_alerts
		SET status = $2, updated_at = $3, payload = $4
		WHERE id = $1 AND status = $5`,
		alert.ID,
		string(alert.Status),
		alert.UpdatedAt,
		payload,
		string(expected),
	)
	if err != nil {
		return errors.NewStoreError("failed to update alert").WithCause(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.Get(ctx, alert.ID); err != nil {
		return err
	}
	return errors.NewConflictError("CONCURRENT_UPDATE", "alert status changed concurrently")
}

// List returns matching alerts newest first and the unpaged total
func (r *AlertRepository) List(ctx context.Context, filter audit.AlertFilter) ([]*audit.Alert, int64, error) {
	qb := NewQueryBuilder(alertsTable).Select("payload")
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		qb.Where("status = ANY(?)", statuses)
	}
	if len(filter.Severities) > 0 {
		sevs := make([]string, len(filter.Severities))
		for i, s := range filter.Severities {
			sevs[i] = string(s)
		}
		qb.Where("severity = ANY(?)", sevs)
	}
	if filter.RuleID != "" {
		qb.Where("rule_id = ?", filter.RuleID)
	}

	countSQL, countArgs := qb.BuildCount()
	var total int64
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, errors.NewStoreError("failed to count alerts").WithCause(err)
	}

	qb.OrderBy("trigger_time", true).OrderBy("id", true)
	if filter.Limit > 0 {
		qb.Limit(filter.Limit)
	}
	qb.Offset(filter.Offset)
	query, args := qb.Build()

	alerts, err := r.scanMany(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

// ListOpen returns every unresolved alert
func (r *AlertRepository) ListOpen(ctx context.Context) ([]*audit.Alert, error) {
	return r.scanMany(ctx,
		`SELECT payload FROM audit_alerts WHERE status <> 'RESOLVED' ORDER BY trigger_time DESC, id DESC`)
}

func (r *AlertRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*audit.Alert, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, query, args...).Scan(&payload)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrAlertNotFound
	}
	if err != nil {
		return nil, errors.NewStoreError("failed to get alert").WithCause(err)
	}
	var alert audit.Alert
	if err := json.Unmarshal(payload, &alert); err != nil {
		return nil, errors.NewStoreError("stored alert cannot be decoded").WithCause(err)
	}
	return &alert, nil
}

func (r *AlertRepository) scanMany(ctx context.Context, query string, args ...interface{}) ([]*audit.Alert, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreError("failed to list alerts").WithCause(err)
	}
	defer rows.Close()

	alerts := []*audit.Alert{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.NewStoreError("failed to scan alert").WithCause(err)
		}
		var alert audit.Alert
		if err := json.Unmarshal(payload, &alert); err != nil {
			return nil, errors.NewStoreError("stored alert cannot be decoded").WithCause(err)
		}
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("failed to iterate alerts").WithCause(err)
	}
	return alerts, nil
}
