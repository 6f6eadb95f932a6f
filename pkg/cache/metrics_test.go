package cache

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/metric"
)

func TestCacheMetricsIntegration(t *testing.T) {
	metricsRegistry := metric.NewMetricsRegistry()

	cache, err := NewSimple[string](WithMetrics[string](metricsRegistry, "test_cache"))
	require.NoError(t, err)

	_, _ = cache.Set("key1", "value1")
	_, _ = cache.Set("key2", "value2")

	// Access key1 (hit)
	val, found := cache.Get("key1")
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	// Access non-existent key (miss)
	_, found = cache.Get("key3")
	assert.False(t, found)

	deleted, _ := cache.Delete("key2")
	assert.True(t, deleted)

	metricFamilies, err := metricsRegistry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	metricsByName := make(map[string]*dto.MetricFamily)
	for _, mf := range metricFamilies {
		metricsByName[*mf.Name] = mf
	}

	hitsMetric := metricsByName["dynmapper_cache_hits_total"]
	require.NotNil(t, hitsMetric, "hits metric should exist")
	assert.Equal(t, float64(1), *hitsMetric.Metric[0].Counter.Value, "should have 1 hit")

	missesMetric := metricsByName["dynmapper_cache_misses_total"]
	require.NotNil(t, missesMetric, "misses metric should exist")
	assert.Equal(t, float64(1), *missesMetric.Metric[0].Counter.Value, "should have 1 miss")

	setsMetric := metricsByName["dynmapper_cache_sets_total"]
	require.NotNil(t, setsMetric, "sets metric should exist")
	assert.Equal(t, float64(2), *setsMetric.Metric[0].Counter.Value, "should have 2 sets")

	deletesMetric := metricsByName["dynmapper_cache_deletes_total"]
	require.NotNil(t, deletesMetric, "deletes metric should exist")
	assert.Equal(t, float64(1), *deletesMetric.Metric[0].Counter.Value, "should have 1 delete")

	sizeMetric := metricsByName["dynmapper_cache_size"]
	require.NotNil(t, sizeMetric, "size metric should exist")
	assert.Equal(t, float64(1), *sizeMetric.Metric[0].Gauge.Value, "should have 1 item remaining")

	// Check component label
	assert.Equal(t, "test_cache", *hitsMetric.Metric[0].Label[0].Value, "should have correct component label")
}

func TestCacheWithoutMetrics(t *testing.T) {
	cache, err := NewSimple[string]()
	require.NoError(t, err)

	_, _ = cache.Set("key1", "value1")
	val, found := cache.Get("key1")
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	// Should work without errors even though no metrics are configured
}

func TestCacheStatsAlwaysEnabled(t *testing.T) {
	metricsRegistry := metric.NewMetricsRegistry()

	cache, err := NewSimple[string](WithMetrics[string](metricsRegistry, "stats_cache"))
	require.NoError(t, err)
	sc := cache.(*simpleCache[string])

	assert.NotNil(t, sc.metrics, "metrics should be enabled")
	assert.NotNil(t, sc.stats, "stats should always be enabled")
}
