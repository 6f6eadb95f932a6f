package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not domain-specific)
type Metrics struct {
	// Pipeline metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	RequestsDispatched *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	// Mapping registry metrics
	MappingsActive   *prometheus.GaugeVec
	MappingsSnooping *prometheus.GaugeVec
	MappingsDisabled *prometheus.CounterVec
	SnoopedTemplates *prometheus.CounterVec

	// Sandbox metrics
	SandboxDuration *prometheus.HistogramVec
	SandboxTimeouts *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"tenant", "direction"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed per mapping",
			},
			[]string{"tenant", "direction", "status"},
		),

		RequestsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "requests",
				Name:      "dispatched_total",
				Help:      "Total number of generated requests handed to the transport sender",
			},
			[]string{"tenant", "api"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dynmapper",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Per-mapping pipeline duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tenant", "direction"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of pipeline errors by stage",
			},
			[]string{"tenant", "stage"},
		),

		MappingsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dynmapper",
				Subsystem: "mappings",
				Name:      "active",
				Help:      "Number of active mappings per tenant",
			},
			[]string{"tenant", "direction"},
		),

		MappingsSnooping: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dynmapper",
				Subsystem: "mappings",
				Name:      "snooping",
				Help:      "Number of mappings currently in snoop capture",
			},
			[]string{"tenant"},
		),

		MappingsDisabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "mappings",
				Name:      "disabled_total",
				Help:      "Mappings auto-deactivated after exceeding the failure threshold",
			},
			[]string{"tenant"},
		),

		SnoopedTemplates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "mappings",
				Name:      "snooped_templates_total",
				Help:      "Payload samples captured while snooping",
			},
			[]string{"tenant"},
		),

		SandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dynmapper",
				Subsystem: "sandbox",
				Name:      "duration_seconds",
				Help:      "Script sandbox invocation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"tenant"},
		),

		SandboxTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dynmapper",
				Subsystem: "sandbox",
				Name:      "timeouts_total",
				Help:      "Script invocations aborted for exceeding the CPU budget",
			},
			[]string{"tenant"},
		),
	}
}

// ObserveProcessing records one per-mapping pipeline run.
func (m *Metrics) ObserveProcessing(tenant, direction, status string, elapsed time.Duration) {
	m.MessagesProcessed.WithLabelValues(tenant, direction, status).Inc()
	m.ProcessingDuration.WithLabelValues(tenant, direction).Observe(elapsed.Seconds())
}
