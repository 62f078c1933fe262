package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// StorageStats describes the size of the audit tables
type StorageStats struct {
	Events       int64 `json:"events"`
	Alerts       int64 `json:"alerts"`
	EventsBytes  int64 `json:"events_bytes"`
	OldestMicros int64 `json:"oldest_event_unix_micros"`
}

// RegisterPoolMetrics exposes pgxpool statistics as Prometheus gauges
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) error {
	gauges := []struct {
		name, help string
		value      func(*pgxpool.Stat) float64
	}{
		{"audit_db_connections_total", "Connections currently in the pool", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }},
		{"audit_db_connections_acquired", "Connections checked out of the pool", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }},
		{"audit_db_connections_idle", "Idle connections in the pool", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }},
		{"audit_db_connections_max", "Maximum pool size", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }},
		{"audit_db_acquire_wait_seconds_total", "Cumulative time spent waiting for a connection", func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }},
	}
	for _, g := range gauges {
		value := g.value
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, func() float64 {
			return value(pool.Stat())
		})
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// GetStorageStats reports row estimates and on-disk size of the audit tables.
// Counts come from the planner statistics and are approximate.
func GetStorageStats(ctx context.Context, pool *pgxpool.Pool) (*StorageStats, error) {
	var stats StorageStats
	err := pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT reltuples::bigint FROM pg_class WHERE relname = 'audit_events'), 0),
			COALESCE((SELECT reltuples::bigint FROM pg_class WHERE relname = 'audit_alerts'), 0),
			pg_total_relation_size('audit_events'),
			COALESCE((SELECT (EXTRACT(EPOCH FROM MIN(timestamp)) * 1000000)::bigint FROM audit_events), 0)`,
	).Scan(&stats.Events, &stats.Alerts, &stats.EventsBytes, &stats.OldestMicros)
	if err != nil {
		return nil, err
	}
	// reltuples is -1 before the first ANALYZE
	stats.Events = max(stats.Events, 0)
	stats.Alerts = max(stats.Alerts, 0)
	return &stats, nil
}
