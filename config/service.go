package config

import (
	"fmt"
	"time"
)

// ServiceConfiguration holds the per-tenant processing settings. Every field
// has a working default so a tenant can be registered with a zero-configured
// override map.
type ServiceConfiguration struct {
	// MaxFailureCount is the default consecutive-failure threshold applied to
	// mappings that do not declare their own. 0 disables auto-deactivation.
	MaxFailureCount int `json:"max_failure_count"`

	// SandboxCPUBudget bounds a single script invocation.
	SandboxCPUBudget time.Duration `json:"sandbox_cpu_budget"`

	// InboundWorkers and OutboundWorkers size the per-direction worker pools.
	InboundWorkers  int `json:"inbound_workers"`
	OutboundWorkers int `json:"outbound_workers"`

	// QueueSize bounds the pending-message queue per pool.
	QueueSize int `json:"queue_size"`

	// LogPayload enables payload logging on processing errors. Payloads can
	// carry sensitive data, so this is off by default.
	LogPayload bool `json:"log_payload"`

	// SnoopSampleLimit caps the templates captured per snooping mapping.
	SnoopSampleLimit int `json:"snoop_sample_limit"`

	// StatusFlushInterval is how often accumulated mapping status snapshots
	// are pushed to the status sink.
	StatusFlushInterval time.Duration `json:"status_flush_interval"`

	// SendMappingStatus enables the periodic status flush.
	SendMappingStatus bool `json:"send_mapping_status"`

	// ExternalIDCacheTTL bounds the device identity memoization cache.
	ExternalIDCacheTTL time.Duration `json:"external_id_cache_ttl"`
}

// DefaultServiceConfiguration returns the service defaults applied to every
// tenant that has no override.
func DefaultServiceConfiguration() ServiceConfiguration {
	return ServiceConfiguration{
		MaxFailureCount:     0,
		SandboxCPUBudget:    500 * time.Millisecond,
		InboundWorkers:      4,
		OutboundWorkers:     2,
		QueueSize:           256,
		LogPayload:          false,
		SnoopSampleLimit:    5,
		StatusFlushInterval: 30 * time.Second,
		SendMappingStatus:   true,
		ExternalIDCacheTTL:  time.Hour,
	}
}

// Validate checks the configuration for values that cannot work at runtime.
func (c ServiceConfiguration) Validate() error {
	if c.MaxFailureCount < 0 {
		return fmt.Errorf("max_failure_count cannot be negative, got %d", c.MaxFailureCount)
	}
	if c.SandboxCPUBudget <= 0 {
		return fmt.Errorf("sandbox_cpu_budget must be positive, got %v", c.SandboxCPUBudget)
	}
	if c.InboundWorkers <= 0 {
		return fmt.Errorf("inbound_workers must be positive, got %d", c.InboundWorkers)
	}
	if c.OutboundWorkers <= 0 {
		return fmt.Errorf("outbound_workers must be positive, got %d", c.OutboundWorkers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.SnoopSampleLimit <= 0 {
		return fmt.Errorf("snoop_sample_limit must be positive, got %d", c.SnoopSampleLimit)
	}
	if c.SendMappingStatus && c.StatusFlushInterval <= 0 {
		return fmt.Errorf("status_flush_interval must be positive when send_mapping_status is enabled, got %v", c.StatusFlushInterval)
	}
	if c.ExternalIDCacheTTL < 0 {
		return fmt.Errorf("external_id_cache_ttl cannot be negative, got %v", c.ExternalIDCacheTTL)
	}
	return nil
}
