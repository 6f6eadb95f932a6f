// Package cache provides thread-safe, generic caching used to memoize
// tenant-scoped lookups such as external identity resolution.
//
// Two implementations are offered:
//   - Simple: no eviction (manual cleanup only)
//   - TTL: time-to-live expiration with background cleanup
//
// All implementations are generic and provide observability through always-on
// statistics and optional Prometheus metrics.
//
// # Quick Start
//
// Simple cache creation:
//
//	c, err := cache.NewSimple[string]()
//	c.Set("key", "value")
//	value, ok := c.Get("key")
//
// TTL cache with expiration:
//
//	c, err := cache.NewTTL[*DeviceEntry](ctx, 30*time.Minute, 5*time.Minute)
//
// With metrics and an eviction callback:
//
//	c, err := cache.NewTTL[[]byte](ctx, 10*time.Minute, 1*time.Minute,
//		cache.WithMetrics[[]byte](registry, "identity_cache"),
//		cache.WithEvictionCallback[[]byte](func(key string, value []byte) {
//			slog.Debug("evicted", "key", key)
//		}))
//
// # Configuration
//
// Caches can also be built from JSON configuration, which accepts duration
// strings ("1h", "5m") as well as integer nanoseconds:
//
//	cfg := cache.Config{Enabled: true, Strategy: cache.StrategyTTL,
//		TTL: time.Hour, CleanupInterval: 5 * time.Minute}
//	c, err := cache.NewFromConfig[string](ctx, cfg)
//
// A disabled config yields a noop cache that always misses, so callers never
// need to branch on whether caching is on.
//
// # Statistics
//
// Every cache tracks hits, misses, sets, deletes, evictions, and size:
//
//	stats := c.Stats()
//	slog.Info("cache", "hit_ratio", stats.HitRatio(), "size", stats.CurrentSize())
//
// TTL caches run a background cleanup goroutine; call Close (or cancel the
// constructor context) to stop it.
package cache
