// Package metric provides Prometheus-based metrics collection and an HTTP
// server for monitoring the mapping service.
//
// The package offers a centralized metrics registry managing both core
// pipeline metrics (messages received and processed, request dispatch,
// sandbox execution) and custom connector-specific metrics. It includes an
// HTTP server exposing metrics in Prometheus format.
//
// # Basic Usage
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("metrics server error: %v", err)
//	    }
//	}()
//	defer server.Stop()
//
//	// Record core pipeline metrics
//	core := registry.CoreMetrics()
//	core.MessagesReceived.WithLabelValues("tenant-a", "INBOUND").Inc()
//	core.ObserveProcessing("tenant-a", "INBOUND", "success", elapsed)
//
// The server exposes Prometheus-formatted metrics at /metrics and a health
// check at /health.
//
// # Core Metrics
//
// Core metrics use the "dynmapper" namespace and are labelled by tenant:
//
//   - dynmapper_messages_received_total{tenant, direction}
//   - dynmapper_messages_processed_total{tenant, direction, status}
//   - dynmapper_requests_dispatched_total{tenant, api}
//   - dynmapper_processing_duration_seconds{tenant, direction}
//   - dynmapper_errors_total{tenant, stage}
//   - dynmapper_mappings_active{tenant, direction}
//   - dynmapper_mappings_snooping{tenant}
//   - dynmapper_mappings_disabled_total{tenant}
//   - dynmapper_mappings_snooped_templates_total{tenant}
//   - dynmapper_sandbox_duration_seconds{tenant}
//   - dynmapper_sandbox_timeouts_total{tenant}
//
// # Custom Metrics
//
// Components register their own metrics through the MetricsRegistrar
// interface, keyed by "serviceName.metricName" to prevent duplicates:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Name: "connector_publish_total",
//	    Help: "Total publishes by the connector",
//	})
//	err := registry.RegisterCounter("mqtt-broker", "connector_publish_total", counter)
//
// All registry operations are safe for concurrent use.
package metric
