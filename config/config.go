package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"
)

// Config represents the complete application configuration: service defaults
// applied to every tenant, transport and store connections, and optional
// per-tenant overrides keyed by tenant identifier.
type Config struct {
	Version string               `json:"version"` // Semantic version for deployment tracking
	Service ServiceConfiguration `json:"service"` // Defaults applied to every tenant
	MQTT    MQTTConfig           `json:"mqtt"`
	NATS    NATSConfig           `json:"nats"`
	Redis   RedisConfig          `json:"redis"`
	Metrics MetricsConfig        `json:"metrics"`

	// Tenants holds per-tenant overrides. A tenant absent from this map runs
	// with the Service defaults.
	Tenants map[string]ServiceConfiguration `json:"tenants,omitempty"`
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// Use JSON marshaling/unmarshaling for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// MQTTConfig defines the MQTT broker connection for the transport sender.
type MQTTConfig struct {
	BrokerURL      string        `json:"broker_url"`
	ClientIDPrefix string        `json:"client_id_prefix,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	KeepAlive      time.Duration `json:"keep_alive,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	PublishTimeout time.Duration `json:"publish_timeout,omitempty"`
	InsecureTLS    bool          `json:"insecure_tls,omitempty"`
}

// NATSConfig defines the NATS connection backing the script state store.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	StateBucket   string        `json:"state_bucket,omitempty"` // JetStream KV bucket for persisted script state
}

// RedisConfig defines the Redis connection backing the directory lookup cache.
type RedisConfig struct {
	Enabled  bool          `json:"enabled"`
	Addr     string        `json:"addr,omitempty"`
	Password string        `json:"password,omitempty"`
	DB       int           `json:"db,omitempty"`
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// MetricsConfig defines the metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service configuration: %w", err)
	}

	for tenant, tc := range c.Tenants {
		if tenant == "" {
			return errors.New("tenant identifier cannot be empty")
		}
		if !isValidTenantID(tenant) {
			return fmt.Errorf("tenant identifier '%s' is not valid (must be alphanumeric with dots, dashes, underscores)", tenant)
		}
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}

	if c.MQTT.BrokerURL == "" {
		return errors.New("mqtt.broker_url is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}

	return nil
}

// TenantConfiguration returns the effective configuration for a tenant:
// the per-tenant override if present, otherwise the service defaults.
func (c *Config) TenantConfiguration(tenant string) ServiceConfiguration {
	if tc, ok := c.Tenants[tenant]; ok {
		return tc
	}
	return c.Service
}

// isValidTenantID checks if a string is a safe tenant identifier.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidTenantID(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "DYNMAPPER",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := l.getDefaults()

	// Load each layer and merge using map-based approach
	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	// Apply environment overrides
	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		Service: DefaultServiceConfiguration(),
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			ClientIDPrefix: "dynmapper",
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			StateBucket:   "mapper-script-state",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			CacheTTL: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	// Validate JSON depth to prevent DoS
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	// Convert duration strings to nanoseconds before struct unmarshaling
	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		// If both base and override have maps at this key, merge them
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// durationKeys lists the JSON fields that accept duration strings.
var durationKeys = map[string][]string{
	"service": {"sandbox_cpu_budget", "status_flush_interval", "external_id_cache_ttl"},
	"mqtt":    {"keep_alive", "connect_timeout", "publish_timeout"},
	"nats":    {"reconnect_wait"},
	"redis":   {"cache_ttl"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	for section, keys := range durationKeys {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		convertDurationFields(m, keys)
	}

	// Per-tenant overrides carry the same duration fields as the service section
	if tenants, ok := data["tenants"].(map[string]any); ok {
		for _, v := range tenants {
			if m, ok := v.(map[string]any); ok {
				convertDurationFields(m, durationKeys["service"])
			}
		}
	}
}

func convertDurationFields(m map[string]any, keys []string) {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				m[key] = d.Nanoseconds()
			}
		}
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_MQTT_BROKER_URL"); val != "" {
		cfg.MQTT.BrokerURL = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_USERNAME"); val != "" {
		cfg.MQTT.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_PASSWORD"); val != "" {
		cfg.MQTT.Password = val
	}

	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	if val := os.Getenv(l.envPrefix + "_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv(l.envPrefix + "_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
