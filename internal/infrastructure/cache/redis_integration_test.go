//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/cache"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/config"
	"github.com/davidleathers/dependable-audit-engine/internal/testutil"
	"github.com/davidleathers/dependable-audit-engine/internal/testutil/containers"
)

func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := testutil.TestContext(t)

	rc, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Terminate(context.Background()) })

	logger := zaptest.NewLogger(t)
	cfg := config.Defaults().Redis
	cfg.URL = rc.ConnectionString
	client, err := cache.NewRedisClient(&cfg, logger)
	require.NoError(t, err)

	auditCache, err := cache.NewAuditCache(client, logger, cache.DefaultAuditCacheConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditCache.Close() })
	require.NoError(t, auditCache.Ping(ctx))

	t.Run("verification cache", func(t *testing.T) {
		result := audit.Passed(uuid.New(), time.Now().UTC().Truncate(time.Microsecond))
		require.NoError(t, auditCache.SetVerification(ctx, result))

		got, err := auditCache.GetVerification(ctx, result.EventID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, result, *got)
	})

	t.Run("shared rate limiter", func(t *testing.T) {
		limiter, err := cache.NewRateLimiter(client, logger)
		require.NoError(t, err)
		key := "it-" + uuid.NewString()

		for i := 0; i < 2; i++ {
			ok, err := limiter.Allow(ctx, key, 2, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := limiter.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
