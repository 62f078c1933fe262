package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/config"
)

func setupTestAuditCache(t *testing.T) (*AuditCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	cache, err := NewAuditCache(client, zaptest.NewLogger(t), &AuditCacheConfig{
		VerificationTTL: time.Hour,
		SnapshotTTL:     time.Minute,
		MaxBatchSize:    10,
	})
	require.NoError(t, err)
	return cache, s
}

func TestNewAuditCache(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	tests := []struct {
		name    string
		client  *redis.Client
		wantErr bool
	}{
		{"valid", client, false},
		{"nil client", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, err := NewAuditCache(tt.client, logger, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultAuditCacheConfig().SnapshotTTL, cache.config.SnapshotTTL)
		})
	}
}

func TestVerificationRoundTrip(t *testing.T) {
	cache, s := setupTestAuditCache(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	valid := audit.Passed(uuid.New(), at)
	invalid := audit.Failed(uuid.New(), audit.ReasonChecksumMismatch, "stored checksum does not match", at)
	missing := uuid.New()

	got, err := cache.GetVerification(ctx, valid.EventID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.SetVerification(ctx, valid))
	require.NoError(t, cache.SetVerification(ctx, invalid))
	assert.Equal(t, time.Hour, s.TTL(VerificationPrefix+valid.EventID.String()))

	got, err = cache.GetVerification(ctx, invalid.EventID)
	require.NoError(t, err)
	assert.Equal(t, invalid, *got)

	batch, err := cache.GetVerifications(ctx, []uuid.UUID{valid.EventID, missing, invalid.EventID})
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.True(t, batch[valid.EventID].Valid)
	assert.Equal(t, audit.ReasonChecksumMismatch, batch[invalid.EventID].Reason)

	stats := cache.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestSnapshotInvalidation(t *testing.T) {
	cache, s := setupTestAuditCache(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	snapshot := &audit.Snapshot{
		Window:          audit.Window{Start: start, End: start.Add(time.Hour)},
		Resolution:      audit.ResolutionHour,
		TotalEvents:     42,
		ComplianceScore: 87.5,
	}

	got, gen, err := cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, cache.SetSnapshot(ctx, gen, "k1", snapshot))

	got, _, err = cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.TotalEvents)
	assert.Equal(t, 87.5, got.ComplianceScore)

	require.NoError(t, cache.Invalidate(ctx))
	got, gen, err = cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got, "bumping the generation hides older snapshots")
	assert.Equal(t, int64(1), gen)

	stored, err := s.Get(GenerationKey)
	require.NoError(t, err)
	assert.Equal(t, "1", stored)

	require.NoError(t, cache.SetSnapshot(ctx, gen, "k1", snapshot))
	got, _, err = cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	s.FastForward(2 * time.Minute)
	got, _, err = cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got, "snapshots expire")
}

func TestSnapshotComputedBeforeInvalidateIsDropped(t *testing.T) {
	cache, _ := setupTestAuditCache(t)
	ctx := context.Background()
	stale := &audit.Snapshot{TotalEvents: 1}

	_, gen, err := cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)

	// an append commits while the snapshot is being computed
	require.NoError(t, cache.Invalidate(ctx))
	require.NoError(t, cache.SetSnapshot(ctx, gen, "k1", stale))

	got, current, err := cache.GetSnapshot(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, gen+1, current)
}

func TestCacheUnavailable(t *testing.T) {
	cache, s := setupTestAuditCache(t)
	s.Close()
	ctx := context.Background()

	_, err := cache.GetVerification(ctx, uuid.New())
	assert.Error(t, err)
	_, _, err = cache.GetSnapshot(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, cache.Invalidate(ctx))
	assert.Positive(t, cache.Stats().Errors)
}

func TestNewRedisClient(t *testing.T) {
	s := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	cfg := &config.RedisConfig{URL: s.Addr(), DialTimeout: time.Second, PoolSize: 2}
	client, err := NewRedisClient(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	cfg = &config.RedisConfig{URL: "redis://" + s.Addr() + "/0", DialTimeout: time.Second}
	client, err = NewRedisClient(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = NewRedisClient(&config.RedisConfig{}, logger)
	assert.Error(t, err)
}
