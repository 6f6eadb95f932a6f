// Package config provides configuration management for the mapping service.
//
// This package handles loading and validation of application configuration
// from JSON files and environment variables.
//
// # Core Components
//
// Config: Main configuration structure containing service defaults, MQTT
// broker settings, NATS state-store settings, the Redis lookup cache, the
// metrics endpoint, and per-tenant overrides.
//
// ServiceConfiguration: Per-tenant processing settings (failure threshold,
// sandbox CPU budget, worker counts, queue size, snoop sample limit). The
// effective configuration for a tenant is resolved with
// Config.TenantConfiguration.
//
// Loader: Loads configuration with layer merging (base + overrides) and
// environment variable substitution for flexible deployment scenarios.
// Duration fields accept strings ("500ms", "1h") as well as integer
// nanoseconds.
//
// # Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config.json")
//	loader.AddLayer("config.local.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Environment overrides use the DYNMAPPER_ prefix, e.g. DYNMAPPER_MQTT_BROKER_URL,
// DYNMAPPER_NATS_URLS (comma separated), DYNMAPPER_REDIS_ADDR.
package config
