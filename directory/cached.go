package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/metric"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/pkg/cache"
)

// CachedLookup memoizes successful resolutions in a TTL cache in front of
// another Lookup. Misses on unknown identities are not cached: a device may
// be registered at any moment and must become resolvable within one TTL of
// nothing, not after.
type CachedLookup struct {
	next   Lookup
	cache  cache.Cache[string]
	logger *slog.Logger
}

// CachedLookupOption tunes a CachedLookup.
type CachedLookupOption func(*cachedLookupOptions)

type cachedLookupOptions struct {
	registry *metric.MetricsRegistry
}

// WithMetricsRegistry exposes cache hit/miss counters on the registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) CachedLookupOption {
	return func(o *cachedLookupOptions) { o.registry = registry }
}

// NewCachedLookup wraps next with a TTL memoization cache. The context
// bounds the cache's cleanup goroutine.
func NewCachedLookup(ctx context.Context, next Lookup, ttl time.Duration, logger *slog.Logger, opts ...CachedLookupOption) (*CachedLookup, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var options cachedLookupOptions
	for _, opt := range opts {
		opt(&options)
	}

	var cacheOpts []cache.Option[string]
	if options.registry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[string](options.registry, "external_id"))
	}
	memo, err := cache.NewTTL(ctx, ttl, ttl/2, cacheOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "CachedLookup", "New", "memoization cache")
	}
	return &CachedLookup{
		next:   next,
		cache:  memo,
		logger: logger.With("component", "directory"),
	}, nil
}

// ResolveExternalID implements Lookup
func (c *CachedLookup) ResolveExternalID(ctx context.Context, tenant, idType, externalID string) (string, error) {
	key := identityKey(tenant, idType, externalID)
	if sourceID, ok := c.cache.Get(key); ok {
		return sourceID, nil
	}
	sourceID, err := c.next.ResolveExternalID(ctx, tenant, idType, externalID)
	if err != nil {
		return "", err
	}
	if _, err := c.cache.Set(key, sourceID); err != nil {
		c.logger.Warn("identity cache set failed", "key", key, "error", err)
	}
	return sourceID, nil
}

// ResolveSourceID implements Lookup
func (c *CachedLookup) ResolveSourceID(ctx context.Context, tenant, idType, sourceID string) (string, error) {
	key := sourceKey(tenant, idType, sourceID)
	if externalID, ok := c.cache.Get(key); ok {
		return externalID, nil
	}
	externalID, err := c.next.ResolveSourceID(ctx, tenant, idType, sourceID)
	if err != nil {
		return "", err
	}
	if _, err := c.cache.Set(key, externalID); err != nil {
		c.logger.Warn("identity cache set failed", "key", key, "error", err)
	}
	return externalID, nil
}

// RegisterDevice implements Lookup, writing the fresh identity through the
// cache so the branches that follow in the same message hit it.
func (c *CachedLookup) RegisterDevice(ctx context.Context, tenant, idType, externalID string, payload map[string]any) (string, error) {
	sourceID, err := c.next.RegisterDevice(ctx, tenant, idType, externalID, payload)
	if err != nil {
		return "", err
	}
	if _, err := c.cache.Set(identityKey(tenant, idType, externalID), sourceID); err != nil {
		c.logger.Warn("identity cache set failed", "externalId", externalID, "error", err)
	}
	if _, err := c.cache.Set(sourceKey(tenant, idType, sourceID), externalID); err != nil {
		c.logger.Warn("identity cache set failed", "sourceId", sourceID, "error", err)
	}
	return sourceID, nil
}

// Close releases the memoization cache.
func (c *CachedLookup) Close() error {
	return c.cache.Close()
}
