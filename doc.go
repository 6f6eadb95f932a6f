// Package dynmapper provides a multi-tenant message-transformation hub that
// sits between MQTT-connected devices and the platform APIs and rewrites
// payloads in both directions according to tenant-defined mappings.
//
// # Architecture
//
// Inbound, a broker message flows through a fixed pipeline:
//
//	┌──────────┐   ┌──────────┐   ┌──────────────┐   ┌───────────┐
//	│   MQTT   │──▶│ Resolver │──▶│ Substitution │──▶│ Directory │
//	│ (topic)  │   │ (tree)   │   │  / Sandbox   │   │ (identity)│
//	└──────────┘   └──────────┘   └──────────────┘   └─────┬─────┘
//	                                                       ▼
//	                                                 ┌───────────┐
//	                                                 │ Dispatch  │
//	                                                 │ (retry)   │
//	                                                 └───────────┘
//
// The resolver matches the topic against the tenant's mapping tree (MQTT
// wildcards, deterministic fan-out order), the substitution engine or the
// JavaScript sandbox extracts values from the payload, the patcher writes
// them into the mapping's target template honoring per-substitution repair
// strategies, the directory resolves the device identity (creating unknown
// devices when the mapping opts in), and the dispatcher hands the generated
// requests to the transport with bounded retry. Outbound, platform messages
// are filtered by expression and patched toward the mapping's publish topic.
//
// # Packages
//
// Core pipeline:
//   - model: mapping definitions, substitution values, topic helpers
//   - expression: JSONPath evaluation and filter predicates
//   - resolver: per-tenant topic tree and outbound routing
//   - substitution: value extraction and template patching
//   - processor: the per-message pipeline and failure tracking
//   - sandbox: the JavaScript sandbox for code-based mappings
//   - directory: external-id to source-id resolution with caching
//
// Persistence and transport:
//   - mappingstore: mapping persistence and status publication (JetStream KV)
//   - statestore: persisted script state for code-based mappings
//   - transport: the MQTT broker client
//
// Infrastructure:
//   - service: tenant lifecycle, subscriptions, worker-pool dispatch
//   - config: layered configuration with per-tenant overrides
//   - metric: Prometheus metrics
//   - errors: structured error handling
//   - health: health check system
//
// Mappings that keep failing are deactivated automatically; mappings in
// snoop mode capture payload samples instead of transforming them.
//
// # Binary
//
// Build and run the mapper:
//
//	go build -o bin/mapper ./cmd/mapper
//	./bin/mapper --config configs/mapper.json
package dynmapper
