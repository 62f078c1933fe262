package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/config"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/database"
	"github.com/davidleathers/dependable-audit-engine/internal/testutil/containers"
)

// TestDB is a migrated PostgreSQL database running in a container
type TestDB struct {
	t    *testing.T
	URL  string
	Pool *pgxpool.Pool
}

// NewTestDB starts a postgres container, applies the schema migrations and
// opens a pool. Short test runs skip.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pg.Terminate(context.Background())
	})

	logger := zaptest.NewLogger(t)
	sqlDB, err := sql.Open("postgres", pg.ConnectionString)
	require.NoError(t, err)
	migrator, err := database.NewMigrator(sqlDB, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up(0))
	require.NoError(t, migrator.Close())

	pool, err := database.NewPool(ctx, &config.DatabaseConfig{URL: pg.ConnectionString, MaxOpenConns: 5}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &TestDB{t: t, URL: pg.ConnectionString, Pool: pool}
}

// Truncate empties the audit tables. The append-only trigger only guards
// row-level changes, so TRUNCATE is allowed.
func (tdb *TestDB) Truncate() {
	tdb.t.Helper()
	_, err := tdb.Pool.Exec(context.Background(), "TRUNCATE audit_events, audit_alerts")
	require.NoError(tdb.t, err)
}

// AssertRowCount checks the number of rows in table
func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()
	var count int
	err := tdb.Pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count)
	require.NoError(tdb.t, err)
	require.Equal(tdb.t, expected, count, "unexpected row count in %s", table)
}
