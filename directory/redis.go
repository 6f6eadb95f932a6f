package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/config"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
)

// RedisLookup is a read-through identity cache shared by all mapper
// instances: resolutions hit redis first and fall back to the wrapped
// Lookup, writing the answer back with a TTL. Registrations write through.
// A redis outage degrades to the fallback instead of failing resolution.
type RedisLookup struct {
	client   *redis.Client
	fallback Lookup
	ttl      time.Duration
	logger   *slog.Logger
}

// NewRedisLookup connects to redis and wraps fallback.
func NewRedisLookup(ctx context.Context, cfg config.RedisConfig, fallback Lookup, logger *slog.Logger) (*RedisLookup, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.WrapTransient(err, "RedisLookup", "New", cfg.Addr)
	}
	return &RedisLookup{
		client:   client,
		fallback: fallback,
		ttl:      cfg.CacheTTL,
		logger:   logger.With("component", "directory_redis"),
	}, nil
}

func redisKey(tenant, idType, externalID string) string {
	return fmt.Sprintf("dynmapper:identity:%s:%s:%s", tenant, idType, externalID)
}

func redisSourceKey(tenant, idType, sourceID string) string {
	return fmt.Sprintf("dynmapper:source:%s:%s:%s", tenant, idType, sourceID)
}

// ResolveExternalID implements Lookup
func (r *RedisLookup) ResolveExternalID(ctx context.Context, tenant, idType, externalID string) (string, error) {
	key := redisKey(tenant, idType, externalID)

	sourceID, err := r.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return sourceID, nil
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("redis get failed, falling back", "key", key, "error", err)
	}

	sourceID, err = r.fallback.ResolveExternalID(ctx, tenant, idType, externalID)
	if err != nil {
		return "", err
	}
	r.writeBack(ctx, key, sourceID)
	return sourceID, nil
}

// ResolveSourceID implements Lookup
func (r *RedisLookup) ResolveSourceID(ctx context.Context, tenant, idType, sourceID string) (string, error) {
	key := redisSourceKey(tenant, idType, sourceID)

	externalID, err := r.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return externalID, nil
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("redis get failed, falling back", "key", key, "error", err)
	}

	externalID, err = r.fallback.ResolveSourceID(ctx, tenant, idType, sourceID)
	if err != nil {
		return "", err
	}
	r.writeBack(ctx, key, externalID)
	return externalID, nil
}

// RegisterDevice implements Lookup
func (r *RedisLookup) RegisterDevice(ctx context.Context, tenant, idType, externalID string, payload map[string]any) (string, error) {
	sourceID, err := r.fallback.RegisterDevice(ctx, tenant, idType, externalID, payload)
	if err != nil {
		return "", err
	}
	r.writeBack(ctx, redisKey(tenant, idType, externalID), sourceID)
	r.writeBack(ctx, redisSourceKey(tenant, idType, sourceID), externalID)
	return sourceID, nil
}

func (r *RedisLookup) writeBack(ctx context.Context, key, sourceID string) {
	if err := r.client.Set(ctx, key, sourceID, r.ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", "key", key, "error", err)
	}
}

// Invalidate drops a cached identity, e.g. after device deletion.
func (r *RedisLookup) Invalidate(ctx context.Context, tenant, idType, externalID string) error {
	if err := r.client.Del(ctx, redisKey(tenant, idType, externalID)).Err(); err != nil {
		return errors.WrapTransient(err, "RedisLookup", "Invalidate", externalID)
	}
	return nil
}

// Close releases the redis connection.
func (r *RedisLookup) Close() error {
	return r.client.Close()
}
