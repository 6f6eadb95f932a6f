package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConnector simulates a transport connector that registers its own metrics
type mockConnector struct {
	name    string
	metrics struct {
		published prometheus.Counter
		connected prometheus.Gauge
	}
}

func newMockConnector(name string) *mockConnector {
	return &mockConnector{name: name}
}

// RegisterMetrics registers connector-specific metrics
func (c *mockConnector) RegisterMetrics(registrar MetricsRegistrar) error {
	c.metrics.published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dynmapper",
		Subsystem: "connector",
		Name:      "published_total",
		Help:      "Total number of payloads published by the connector",
	})

	err := registrar.RegisterCounter(c.name, "published_total", c.metrics.published)
	if err != nil {
		return err
	}

	c.metrics.connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dynmapper",
		Subsystem: "connector",
		Name:      "connected",
		Help:      "Whether the connector holds a live broker connection",
	})

	return registrar.RegisterGauge(c.name, "connected", c.metrics.connected)
}

// Publish simulates a publish and updates metrics
func (c *mockConnector) Publish(items int, connected bool) {
	c.metrics.published.Add(float64(items))
	if connected {
		c.metrics.connected.Set(1)
	} else {
		c.metrics.connected.Set(0)
	}
}

func TestMetricsIntegration_ConnectorRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	connector := newMockConnector("mqtt-broker")

	err := connector.RegisterMetrics(registry)
	require.NoError(t, err)

	connector.Publish(10, true)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	assert.True(t, foundMetrics["dynmapper_connector_published_total"],
		"connector published metric should be registered")
	assert.True(t, foundMetrics["dynmapper_connector_connected"],
		"connector connected metric should be registered")
}

func TestMetricsIntegration_NoDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	// Two connectors with the same name should not both register
	connector1 := newMockConnector("duplicate-connector")
	connector2 := newMockConnector("duplicate-connector")

	err := connector1.RegisterMetrics(registry)
	require.NoError(t, err)

	err = connector2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsIntegration_CoreAndConnectorMetricsSeparate(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	connector := newMockConnector("separation-test")
	err := connector.RegisterMetrics(registry)
	require.NoError(t, err)

	// Use core pipeline metrics
	core.MessagesReceived.WithLabelValues("t1", "INBOUND").Inc()
	core.ObserveProcessing("t1", "INBOUND", "success", 10*time.Millisecond)

	// Use connector-specific metrics
	connector.Publish(5, true)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundMetrics[mf.GetName()] = true
	}

	assert.True(t, foundMetrics["dynmapper_messages_received_total"],
		"core messages received metric should be present")
	assert.True(t, foundMetrics["dynmapper_messages_processed_total"],
		"core messages processed metric should be present")

	assert.True(t, foundMetrics["dynmapper_connector_published_total"],
		"connector published metric should be present")
	assert.True(t, foundMetrics["dynmapper_connector_connected"],
		"connector connected metric should be present")
}

func TestMetricsIntegration_MetricsUnregistration(t *testing.T) {
	registry := NewMetricsRegistry()

	connector := newMockConnector("unregister-test")

	err := connector.RegisterMetrics(registry)
	require.NoError(t, err)

	connector.Publish(1, true)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundBefore := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundBefore[mf.GetName()] = true
	}

	assert.True(t, foundBefore["dynmapper_connector_published_total"],
		"metric should be present before unregistration")

	success := registry.Unregister("unregister-test", "published_total")
	assert.True(t, success, "unregistration should succeed")

	metricFamilies, err = registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	foundAfter := make(map[string]bool)
	for _, mf := range metricFamilies {
		foundAfter[mf.GetName()] = true
	}

	assert.False(t, foundAfter["dynmapper_connector_published_total"],
		"metric should be absent after unregistration")
	assert.True(t, foundAfter["dynmapper_connector_connected"],
		"other connector metrics should remain")
}

func TestMetricsIntegration_ConnectorsNeedUniqueMetricNames(t *testing.T) {
	registry := NewMetricsRegistry()

	connector1 := newMockConnector("mqtt-primary")
	connector2 := newMockConnector("mqtt-secondary")

	err := connector1.RegisterMetrics(registry)
	require.NoError(t, err)

	// The second connector reuses the same prometheus metric names, which the
	// registry rejects at the prometheus level even though the registry keys differ.
	err = connector2.RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}
