package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("test-service", "test_counter", counter)
	require.NoError(t, err)

	counter.Inc()

	// Verify the counter is registered in the underlying Prometheus registry
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "Counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_RegisterGauge(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})

	err := registry.RegisterGauge("test-service", "test_gauge", gauge)
	require.NoError(t, err)

	gauge.Set(42.0)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_gauge" {
			found = true
			break
		}
	}
	assert.True(t, found, "Gauge should be registered in Prometheus registry")
}

func TestMetricsRegistry_RegisterHistogram(t *testing.T) {
	registry := NewMetricsRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "A test histogram",
		Buckets: prometheus.DefBuckets,
	})

	err := registry.RegisterHistogram("test-service", "test_histogram", histogram)
	require.NoError(t, err)

	histogram.Observe(1.5)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_histogram" {
			found = true
			break
		}
	}
	assert.True(t, found, "Histogram should be registered in Prometheus registry")
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter",
	})

	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter", // Same help to avoid Prometheus validation error
	})

	// First registration should succeed
	err := registry.RegisterCounter("service1", "duplicate_counter", counter1)
	require.NoError(t, err)

	// Second registration with the same prometheus name should fail
	err = registry.RegisterCounter("service2", "duplicate_counter", counter2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_DuplicateKey(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyed_counter",
		Help: "A counter",
	})

	err := registry.RegisterCounter("svc", "keyed_counter", counter)
	require.NoError(t, err)

	// Same serviceName.metricName key is rejected before prometheus sees it
	err = registry.RegisterCounter("svc", "keyed_counter", counter)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")
}

func TestMetricsRegistry_UnregisterMetric(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unregister_counter",
		Help: "A counter to unregister",
	})

	err := registry.RegisterCounter("test-service", "unregister_counter", counter)
	require.NoError(t, err)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "unregister_counter" {
			found = true
			break
		}
	}
	assert.True(t, found)

	success := registry.Unregister("test-service", "unregister_counter")
	assert.True(t, success)

	metricFamilies, err = registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found = false
	for _, mf := range metricFamilies {
		if mf.GetName() == "unregister_counter" {
			found = true
			break
		}
	}
	assert.False(t, found)

	// Unregistering a key that was never registered reports false
	assert.False(t, registry.Unregister("test-service", "never_registered"))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	numGoroutines := 10

	// Register metrics concurrently
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", id),
				Help: "A concurrent counter",
			})

			err := registry.RegisterCounter("concurrent-service",
				fmt.Sprintf("concurrent_counter_%d", id), counter)
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	counterCount := 0
	for _, mf := range metricFamilies {
		if strings.HasPrefix(mf.GetName(), "concurrent_counter_") {
			counterCount++
		}
	}

	assert.Equal(t, numGoroutines, counterCount,
		"All concurrent counters should be registered")
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	registry := NewMetricsRegistry()

	var registrar MetricsRegistrar = registry
	assert.NotNil(t, registrar)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interface_counter",
		Help: "Counter registered through interface",
	})

	err := registrar.RegisterCounter("interface-service", "interface_counter", counter)
	require.NoError(t, err)
}

func TestMetricsRegistry_CoreMetricsInitialization(t *testing.T) {
	registry := NewMetricsRegistry()

	// Vector metrics only appear in Gather() once they have at least one
	// labelled child, so touch each family first.
	core := registry.CoreMetrics()

	core.MessagesReceived.WithLabelValues("t1", "INBOUND").Inc()
	core.ObserveProcessing("t1", "INBOUND", "success", 25*time.Millisecond)
	core.RequestsDispatched.WithLabelValues("t1", "measurement").Inc()
	core.ErrorsTotal.WithLabelValues("t1", "extraction").Inc()
	core.MappingsActive.WithLabelValues("t1", "INBOUND").Set(3)
	core.MappingsSnooping.WithLabelValues("t1").Set(1)
	core.MappingsDisabled.WithLabelValues("t1").Inc()
	core.SnoopedTemplates.WithLabelValues("t1").Inc()
	core.SandboxDuration.WithLabelValues("t1").Observe(0.002)
	core.SandboxTimeouts.WithLabelValues("t1").Inc()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	expectedCoreMetrics := []string{
		"dynmapper_messages_received_total",
		"dynmapper_messages_processed_total",
		"dynmapper_requests_dispatched_total",
		"dynmapper_processing_duration_seconds",
		"dynmapper_errors_total",
		"dynmapper_mappings_active",
		"dynmapper_mappings_snooping",
		"dynmapper_mappings_disabled_total",
		"dynmapper_mappings_snooped_templates_total",
		"dynmapper_sandbox_duration_seconds",
		"dynmapper_sandbox_timeouts_total",
	}

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	for _, expectedMetric := range expectedCoreMetrics {
		assert.True(t, foundMetrics[expectedMetric],
			"core metric %s should be initialized", expectedMetric)
	}
}

func TestMetricsRegistry_GetCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	core := registry.CoreMetrics()
	require.NotNil(t, core)

	assert.NotNil(t, core.MessagesReceived)
	assert.NotNil(t, core.MessagesProcessed)
	assert.NotNil(t, core.RequestsDispatched)
	assert.NotNil(t, core.ProcessingDuration)
	assert.NotNil(t, core.ErrorsTotal)
	assert.NotNil(t, core.MappingsActive)
	assert.NotNil(t, core.MappingsSnooping)
	assert.NotNil(t, core.MappingsDisabled)
	assert.NotNil(t, core.SnoopedTemplates)
	assert.NotNil(t, core.SandboxDuration)
	assert.NotNil(t, core.SandboxTimeouts)
}

func TestCoreMetrics_ObserveProcessing(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.ObserveProcessing("t1", "INBOUND", "success", 100*time.Millisecond)
	core.ObserveProcessing("t1", "INBOUND", "failed", 5*time.Millisecond)
	core.ObserveProcessing("t2", "OUTBOUND", "success", 40*time.Millisecond)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	var processed, duration bool
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "dynmapper_messages_processed_total":
			processed = true
			assert.Len(t, mf.GetMetric(), 3)
		case "dynmapper_processing_duration_seconds":
			duration = true
			assert.Len(t, mf.GetMetric(), 3)
		}
	}
	assert.True(t, processed)
	assert.True(t, duration)
}
