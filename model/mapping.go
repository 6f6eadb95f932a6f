// Package model contains the mapping domain types shared across the
// dynamic mapper: mapping definitions, substitution rules, repair
// strategies, typed substitute values and per-mapping status counters.
package model

import (
	"fmt"
	"strings"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
)

// Direction indicates which way a mapping transforms messages.
type Direction string

// Mapping directions
const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// String implements fmt.Stringer for Direction
func (d Direction) String() string {
	return string(d)
}

// MappingType selects the transformation kind of a mapping.
type MappingType string

// Mapping transformation kinds
const (
	// MappingTypeJSON applies the declared substitution list against the
	// source payload with path expressions.
	MappingTypeJSON MappingType = "JSON"
	// MappingTypeCodeBased runs an embedded script in the sandbox instead
	// of the substitution list. The script returns the processing cache.
	MappingTypeCodeBased MappingType = "CODE_BASED"
)

// API identifies the target platform API a patched payload is sent to.
type API string

// Target APIs
const (
	APIMeasurement API = "MEASUREMENT"
	APIEvent       API = "EVENT"
	APIAlarm       API = "ALARM"
	APIInventory   API = "INVENTORY"
	APIOperation   API = "OPERATION"
)

// SnoopStatus tracks the sample-capture lifecycle of a mapping. A snooping
// mapping records inbound payloads as templates instead of transforming them.
type SnoopStatus string

// Snoop lifecycle states
const (
	SnoopNone    SnoopStatus = "NONE"
	SnoopEnabled SnoopStatus = "ENABLED"
	SnoopStarted SnoopStatus = "STARTED"
	SnoopStopped SnoopStatus = "STOPPED"
)

// Snooping reports whether inbound messages should be captured as samples
// rather than processed.
func (s SnoopStatus) Snooping() bool {
	return s == SnoopEnabled || s == SnoopStarted
}

// RepairStrategy decides how a substitution behaves when extraction yields
// a missing or null value, or when the target path does not exist.
type RepairStrategy string

// Repair strategies
const (
	RepairDefault         RepairStrategy = "DEFAULT"
	RepairUseFirstOfArray RepairStrategy = "USE_FIRST_VALUE_OF_ARRAY"
	RepairUseLastOfArray  RepairStrategy = "USE_LAST_VALUE_OF_ARRAY"
	RepairIgnore          RepairStrategy = "IGNORE"
	RepairRemoveIfMissing RepairStrategy = "REMOVE_IF_MISSING_OR_NULL"
	RepairCreateIfMissing RepairStrategy = "CREATE_IF_MISSING"
)

// Valid reports whether the strategy is one of the known constants. The
// zero value is not valid; mapping definitions must be explicit.
func (rs RepairStrategy) Valid() bool {
	switch rs {
	case RepairDefault, RepairUseFirstOfArray, RepairUseLastOfArray,
		RepairIgnore, RepairRemoveIfMissing, RepairCreateIfMissing:
		return true
	}
	return false
}

// TokenIdentity is the reserved target-path prefix for device identity
// substitutions. Entries under this prefix carry the external device
// identifier and never appear in the patched payload.
const TokenIdentity = "_IDENTITY_"

// TokenIdentityExternal is the cache key for the resolved external id.
const TokenIdentityExternal = TokenIdentity + ".externalId"

// TokenTopicLevel is the payload key the pipeline injects the split topic
// levels under so substitutions can extract routing facts.
const TokenTopicLevel = "_TOPIC_LEVEL_"

// Substitution is one extraction rule of a mapping: evaluate PathSource
// against the inbound payload and place the result at PathTarget in the
// target template.
type Substitution struct {
	PathSource string `json:"pathSource"`
	PathTarget string `json:"pathTarget"`
	// RepairStrategy decides the behavior for missing values and missing
	// target paths. Empty means DEFAULT.
	RepairStrategy RepairStrategy `json:"repairStrategy,omitempty"`
	// ExpandArray fans an extracted collection out into one substitute
	// value per element instead of one ARRAY value.
	ExpandArray bool `json:"expandArray,omitempty"`
	// DefinesDeviceIdentifier marks the substitution whose extracted value
	// is the external device id. At most one per mapping.
	DefinesDeviceIdentifier bool `json:"definesDeviceIdentifier,omitempty"`
}

// Strategy returns the effective repair strategy, defaulting empty to DEFAULT.
func (s Substitution) Strategy() RepairStrategy {
	if s.RepairStrategy == "" {
		return RepairDefault
	}
	return s.RepairStrategy
}

// QOS is the delivery guarantee requested for dispatched messages.
type QOS int

// Delivery guarantees, matching MQTT QoS levels
const (
	QOSAtMostOnce  QOS = 0
	QOSAtLeastOnce QOS = 1
	QOSExactlyOnce QOS = 2
)

// Valid reports whether q is a defined delivery level.
func (q QOS) Valid() bool {
	return q >= QOSAtMostOnce && q <= QOSExactlyOnce
}

// Mapping is one tenant-defined transformation rule. The pipeline consumes
// mappings read-only; every invocation works on an immutable snapshot and
// mutation happens only through the repository.
type Mapping struct {
	// ID is the repository identity of the mapping.
	ID string `json:"id"`
	// Identifier is the stable business key, unique per tenant. Status
	// counters and persisted script state are keyed by it.
	Identifier  string      `json:"identifier"`
	Name        string      `json:"name"`
	Direction   Direction   `json:"direction"`
	MappingType MappingType `json:"mappingType"`

	// MappingTopic is the wildcarded subscription pattern for inbound
	// mappings ('+' single level, '#' multi level, final segment only).
	MappingTopic string `json:"mappingTopic,omitempty"`
	// PublishTopic is the topic outbound payloads are published to. It may
	// contain wildcards resolved from the device identity at dispatch time.
	PublishTopic string `json:"publishTopic,omitempty"`
	// FilterMapping is an optional predicate expression evaluated against
	// the inbound payload; a falsy result skips the mapping silently.
	FilterMapping string `json:"filterMapping,omitempty"`
	// FilterOutbound classifies outbound messages; a mapping matches when
	// the expression evaluates truthy against the message.
	FilterOutbound string `json:"filterOutbound,omitempty"`

	TargetAPI API `json:"targetAPI"`
	// TargetTemplate is the JSON document substitutions are patched into.
	TargetTemplate string `json:"targetTemplate"`
	// SourceTemplate is a sample source payload, captured by snooping or
	// provided by the user. Used by the editor, not by the pipeline.
	SourceTemplate string `json:"sourceTemplate,omitempty"`

	Substitution []Substitution `json:"substitutions"`

	// Code holds the embedded script for CODE_BASED mappings, base64 is
	// decoded by the repository before the mapping reaches the pipeline.
	Code string `json:"code,omitempty"`
	// SharedCode is tenant-wide helper code loaded before Code.
	SharedCode string `json:"sharedCode,omitempty"`

	Active bool `json:"active"`
	Debug  bool `json:"debug,omitempty"`
	// Tested marks mappings still in dry-run; dispatch is suppressed and
	// the patched payloads are only collected for inspection.
	Tested bool `json:"tested,omitempty"`

	QOS QOS `json:"qos"`

	SnoopStatus      SnoopStatus `json:"snoopStatus,omitempty"`
	SnoopedTemplates []string    `json:"snoopedTemplates,omitempty"`

	CreateNonExistingDevice bool   `json:"createNonExistingDevice,omitempty"`
	UpdateExistingDevice    bool   `json:"updateExistingDevice,omitempty"`
	ExternalIDType          string `json:"externalIdType,omitempty"`

	// MaxFailureCount overrides the service-wide consecutive-failure
	// threshold for auto-deactivation. Zero means use the service default.
	MaxFailureCount int `json:"maxFailureCount,omitempty"`

	LastUpdate int64 `json:"lastUpdate,omitempty"`
}

// Clone returns a deep copy. The pipeline treats registered mappings as
// immutable, so every mutation (snoop capture, deactivation) goes through a
// clone that replaces the registration.
func (m *Mapping) Clone() *Mapping {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Substitution != nil {
		clone.Substitution = make([]Substitution, len(m.Substitution))
		copy(clone.Substitution, m.Substitution)
	}
	if m.SnoopedTemplates != nil {
		clone.SnoopedTemplates = make([]string, len(m.SnoopedTemplates))
		copy(clone.SnoopedTemplates, m.SnoopedTemplates)
	}
	return &clone
}

// Snooping reports whether the mapping is currently capturing samples.
func (m *Mapping) Snooping() bool {
	return m.SnoopStatus.Snooping()
}

// CodeBased reports whether extraction runs in the script sandbox.
func (m *Mapping) CodeBased() bool {
	return m.MappingType == MappingTypeCodeBased
}

// IdentifierSubstitution returns the substitution marked as defining the
// device identifier, or nil when the mapping has none.
func (m *Mapping) IdentifierSubstitution() *Substitution {
	for i := range m.Substitution {
		if m.Substitution[i].DefinesDeviceIdentifier {
			return &m.Substitution[i]
		}
	}
	return nil
}

// Validate checks the mapping definition. Validation errors are surfaced to
// repository callers; an invalid mapping never enters the resolver.
func (m *Mapping) Validate() error {
	if m.Identifier == "" {
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			"mapping identifier cannot be empty")
	}
	switch m.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			fmt.Sprintf("invalid direction: %q", m.Direction))
	}
	switch m.MappingType {
	case MappingTypeJSON, MappingTypeCodeBased:
	default:
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			fmt.Sprintf("invalid mapping type: %q", m.MappingType))
	}
	if m.Direction == DirectionInbound {
		if err := ValidateTopicPattern(m.MappingTopic); err != nil {
			return errors.WrapInvalid(err, "Mapping", "Validate",
				fmt.Sprintf("mapping topic %q", m.MappingTopic))
		}
	} else {
		if m.PublishTopic == "" {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
				"outbound mapping requires a publish topic")
		}
		if m.FilterOutbound == "" {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
				"outbound mapping requires a filter expression")
		}
	}
	if m.CodeBased() {
		if m.Code == "" {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
				"code-based mapping requires code")
		}
	} else if m.TargetAPI != APIOperation && !m.Snooping() && len(m.Substitution) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			"mapping requires at least one substitution")
	}
	if !m.QOS.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			fmt.Sprintf("invalid qos: %d", m.QOS))
	}
	if m.MaxFailureCount < 0 {
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			"max failure count cannot be negative")
	}
	identifiers := 0
	for i, sub := range m.Substitution {
		if sub.PathSource == "" || sub.PathTarget == "" {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
				fmt.Sprintf("substitution %d has empty source or target path", i))
		}
		if !sub.Strategy().Valid() {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
				fmt.Sprintf("substitution %d has unknown repair strategy %q", i, sub.RepairStrategy))
		}
		if sub.DefinesDeviceIdentifier {
			identifiers++
		}
	}
	if identifiers > 1 {
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "Validate",
			"at most one substitution may define the device identifier")
	}
	return nil
}

// TopicSeparator splits topic patterns and concrete topics into levels.
const TopicSeparator = "/"

// Topic wildcards
const (
	// TopicWildcardSingle matches exactly one topic level.
	TopicWildcardSingle = "+"
	// TopicWildcardMulti matches all remaining levels. Legal only as the
	// final level of a pattern.
	TopicWildcardMulti = "#"
)

// SplitTopic segments a topic on the separator, dropping leading and
// trailing separators so "/device/a/" and "device/a" segment identically.
func SplitTopic(topic string) []string {
	trimmed := strings.Trim(topic, TopicSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, TopicSeparator)
}

// ValidateTopicPattern checks a wildcarded subscription pattern: it must be
// non-empty, '#' may appear only as the entire final level, and '+' must
// occupy an entire level.
func ValidateTopicPattern(pattern string) error {
	levels := SplitTopic(pattern)
	if len(levels) == 0 {
		return fmt.Errorf("%w: empty pattern", errors.ErrInvalidPattern)
	}
	for i, level := range levels {
		if level == "" {
			return fmt.Errorf("%w: empty level in %q", errors.ErrInvalidPattern, pattern)
		}
		if level == TopicWildcardMulti {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the final level in %q", errors.ErrInvalidPattern, pattern)
			}
			continue
		}
		if strings.Contains(level, TopicWildcardMulti) || (strings.Contains(level, TopicWildcardSingle) && level != TopicWildcardSingle) {
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", errors.ErrInvalidPattern, pattern)
		}
	}
	return nil
}
