package cache

import "sync/atomic"

// Statistics tracks counters for a single cache instance. The external ID
// cache reads the hit ratio when deciding whether a lookup path is worth
// keeping warm; everything else is plain operation accounting.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	currentSize atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Hit records a cache hit.
func (s *Statistics) Hit() {
	s.hits.Add(1)
}

// Miss records a cache miss.
func (s *Statistics) Miss() {
	s.misses.Add(1)
}

// Set records a cache set operation.
func (s *Statistics) Set() {
	s.sets.Add(1)
}

// Delete records a cache delete operation.
func (s *Statistics) Delete() {
	s.deletes.Add(1)
}

// Eviction records an expired entry being removed.
func (s *Statistics) Eviction() {
	s.evictions.Add(1)
}

// UpdateSize records the current number of entries.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
}

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 {
	return s.hits.Load()
}

// Misses returns the total number of cache misses.
func (s *Statistics) Misses() int64 {
	return s.misses.Load()
}

// Sets returns the total number of set operations.
func (s *Statistics) Sets() int64 {
	return s.sets.Load()
}

// Deletes returns the total number of delete operations.
func (s *Statistics) Deletes() int64 {
	return s.deletes.Load()
}

// Evictions returns the total number of expiry evictions.
func (s *Statistics) Evictions() int64 {
	return s.evictions.Load()
}

// CurrentSize returns the current number of entries in the cache.
func (s *Statistics) CurrentSize() int64 {
	return s.currentSize.Load()
}

// HitRatio returns the fraction of lookups served from the cache (0.0 to 1.0).
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}
