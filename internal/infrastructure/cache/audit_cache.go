package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// Key prefixes for the audit cache
const (
	VerificationPrefix = "audit:verify:"
	SnapshotPrefix     = "audit:snapshot:"
	GenerationKey      = "audit:snapshot:generation"
)

// AuditCache keeps verification results and analytics snapshots in Redis.
// Snapshot keys embed a generation counter; bumping the counter orphans every
// cached snapshot at once and the TTL reclaims them.
type AuditCache struct {
	client  *redis.Client
	logger  *zap.Logger
	config  *AuditCacheConfig
	metrics *AuditCacheMetrics
}

// AuditCacheConfig holds configuration for the audit cache
type AuditCacheConfig struct {
	VerificationTTL time.Duration
	SnapshotTTL     time.Duration
	TTLJitter       time.Duration
	MaxBatchSize    int
}

// AuditCacheMetrics tracks cache effectiveness
type AuditCacheMetrics struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Stats is a point-in-time copy of the cache counters
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// DefaultAuditCacheConfig returns default configuration
func DefaultAuditCacheConfig() *AuditCacheConfig {
	return &AuditCacheConfig{
		VerificationTTL: 24 * time.Hour,
		SnapshotTTL:     5 * time.Minute,
		TTLJitter:       30 * time.Second,
		MaxBatchSize:    500,
	}
}

// NewAuditCache creates a new audit cache instance
func NewAuditCache(client *redis.Client, logger *zap.Logger, config *AuditCacheConfig) (*AuditCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config == nil {
		config = DefaultAuditCacheConfig()
	}
	return &AuditCache{
		client:  client,
		logger:  logger,
		config:  config,
		metrics: &AuditCacheMetrics{},
	}, nil
}

// GetVerification returns the cached result or (nil, nil) on a miss
func (ac *AuditCache) GetVerification(ctx context.Context, id uuid.UUID) (*audit.VerificationResult, error) {
	data, err := ac.client.Get(ctx, ac.verificationKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			ac.metrics.misses.Add(1)
			return nil, nil
		}
		ac.metrics.errors.Add(1)
		return nil, errors.NewInternalError("failed to get verification from cache").WithCause(err)
	}

	var result audit.VerificationResult
	if err := json.Unmarshal(data, &result); err != nil {
		ac.metrics.errors.Add(1)
		return nil, errors.NewInternalError("failed to unmarshal cached verification").WithCause(err)
	}
	ac.metrics.hits.Add(1)
	return &result, nil
}

// GetVerifications returns cached results for the ids that have one
func (ac *AuditCache) GetVerifications(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]audit.VerificationResult, error) {
	out := make(map[uuid.UUID]audit.VerificationResult, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if len(ids) > ac.config.MaxBatchSize {
		ids = ids[:ac.config.MaxBatchSize]
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ac.verificationKey(id)
	}
	values, err := ac.client.MGet(ctx, keys...).Result()
	if err != nil {
		ac.metrics.errors.Add(1)
		return nil, errors.NewInternalError("failed to batch get verifications").WithCause(err)
	}

	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			ac.metrics.misses.Add(1)
			continue
		}
		var result audit.VerificationResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			ac.logger.Warn("failed to unmarshal cached verification",
				zap.String("event_id", ids[i].String()),
				zap.Error(err))
			continue
		}
		out[ids[i]] = result
		ac.metrics.hits.Add(1)
	}
	return out, nil
}

// SetVerification stores the latest result for an event
func (ac *AuditCache) SetVerification(ctx context.Context, result audit.VerificationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.NewInternalError("failed to marshal verification").WithCause(err)
	}
	if err := ac.client.Set(ctx, ac.verificationKey(result.EventID), data, ac.addJitter(ac.config.VerificationTTL)).Err(); err != nil {
		ac.metrics.errors.Add(1)
		return errors.NewInternalError("failed to cache verification").WithCause(err)
	}
	return nil
}

// GetSnapshot returns the snapshot cached under key for the current
// generation, or nil, together with that generation. Callers that go on to
// compute the snapshot must store it with SetSnapshot under the returned
// generation so a concurrent Invalidate orphans it.
func (ac *AuditCache) GetSnapshot(ctx context.Context, key string) (*audit.Snapshot, int64, error) {
	gen, err := ac.generation(ctx)
	if err != nil {
		return nil, 0, err
	}
	data, err := ac.client.Get(ctx, ac.snapshotKey(gen, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			ac.metrics.misses.Add(1)
			return nil, gen, nil
		}
		ac.metrics.errors.Add(1)
		return nil, 0, errors.NewInternalError("failed to get snapshot from cache").WithCause(err)
	}

	var snapshot audit.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		ac.metrics.errors.Add(1)
		return nil, gen, errors.NewInternalError("failed to unmarshal cached snapshot").WithCause(err)
	}
	ac.metrics.hits.Add(1)
	return &snapshot, gen, nil
}

// SetSnapshot caches a snapshot under gen, the generation observed before
// the snapshot's events were read. A snapshot whose generation has since
// been bumped is dropped.
func (ac *AuditCache) SetSnapshot(ctx context.Context, gen int64, key string, snapshot *audit.Snapshot) error {
	if snapshot == nil {
		return errors.NewValidationError("INVALID_SNAPSHOT", "snapshot cannot be nil")
	}
	current, err := ac.generation(ctx)
	if err != nil {
		return err
	}
	if current != gen {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.NewInternalError("failed to marshal snapshot").WithCause(err)
	}
	if err := ac.client.Set(ctx, ac.snapshotKey(gen, key), data, ac.addJitter(ac.config.SnapshotTTL)).Err(); err != nil {
		ac.metrics.errors.Add(1)
		return errors.NewInternalError("failed to cache snapshot").WithCause(err)
	}
	return nil
}

// Invalidate bumps the snapshot generation
func (ac *AuditCache) Invalidate(ctx context.Context) error {
	if err := ac.client.Incr(ctx, GenerationKey).Err(); err != nil {
		ac.metrics.errors.Add(1)
		return errors.NewInternalError("failed to invalidate snapshots").WithCause(err)
	}
	return nil
}

// Ping checks the Redis connection
func (ac *AuditCache) Ping(ctx context.Context) error {
	return ac.client.Ping(ctx).Err()
}

// Stats returns the cache counters
func (ac *AuditCache) Stats() Stats {
	return Stats{
		Hits:   ac.metrics.hits.Load(),
		Misses: ac.metrics.misses.Load(),
		Errors: ac.metrics.errors.Load(),
	}
}

// Close closes the Redis connection
func (ac *AuditCache) Close() error {
	return ac.client.Close()
}

func (ac *AuditCache) generation(ctx context.Context) (int64, error) {
	raw, err := ac.client.Get(ctx, GenerationKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		ac.metrics.errors.Add(1)
		return 0, errors.NewInternalError("failed to read snapshot generation").WithCause(err)
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.NewInternalError("snapshot generation is not a number").WithCause(err)
	}
	return gen, nil
}

func (ac *AuditCache) verificationKey(id uuid.UUID) string {
	return VerificationPrefix + id.String()
}

func (ac *AuditCache) snapshotKey(gen int64, key string) string {
	return SnapshotPrefix + strconv.FormatInt(gen, 10) + ":" + key
}

func (ac *AuditCache) addJitter(ttl time.Duration) time.Duration {
	if ac.config.TTLJitter <= 0 {
		return ttl
	}
	return ttl + rand.N(ac.config.TTLJitter)
}
