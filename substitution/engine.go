// Package substitution runs a mapping's substitution rules against an
// inbound payload, building the processing cache, and patches cached values
// into the target template honoring each substitution's repair strategy.
package substitution

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/expression"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// Cache is the processing cache the engine writes and the patcher reads:
// target path to ordered substitute values. The processing state implements
// it; MemoryCache is a plain implementation for tests and the sandbox
// result conversion.
type Cache interface {
	// AddSubstitution appends a value to the path's list. Lists accumulate
	// across substitutions targeting the same path.
	AddSubstitution(path string, value model.SubstituteValue)
	// Substitutions returns the path's values in insertion order.
	Substitutions(path string) []model.SubstituteValue
	// TargetPaths returns all cached paths in ascending lexical order.
	TargetPaths() []string
}

// MemoryCache is a plain map-backed Cache. Not safe for concurrent use.
type MemoryCache struct {
	entries map[string][]model.SubstituteValue
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]model.SubstituteValue)}
}

// AddSubstitution implements Cache
func (c *MemoryCache) AddSubstitution(path string, value model.SubstituteValue) {
	c.entries[path] = append(c.entries[path], value)
}

// Substitutions implements Cache
func (c *MemoryCache) Substitutions(path string) []model.SubstituteValue {
	return c.entries[path]
}

// TargetPaths implements Cache
func (c *MemoryCache) TargetPaths() []string {
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Engine extracts typed values from source payloads. It holds no per-message
// state and is safe for concurrent use.
type Engine struct {
	expr   expression.Engine
	logger *slog.Logger
}

// NewEngine creates an extraction engine on the given expression engine.
func NewEngine(expr expression.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{expr: expr, logger: logger.With("component", "substitution")}
}

// Extract evaluates every substitution of the mapping against the payload
// and appends the classified results to the cache. The mapping is never
// mutated. Extraction cannot fail a message: an evaluation error or a miss
// yields an IGNORE-typed null entry so the patcher can still apply the
// repair strategy, and the condition comes back as a warning.
func (e *Engine) Extract(tenant string, mapping *model.Mapping, payload any, cache Cache) []string {
	var warnings []string
	for _, sub := range mapping.Substitution {
		value, found, err := e.expr.Evaluate(sub.PathSource, payload)
		if err != nil || !found {
			value = nil
		}
		if value == nil {
			warning := fmt.Sprintf("substitution %q -> %q extracted null, mapping may not fit this payload",
				sub.PathSource, sub.PathTarget)
			if err != nil {
				warning = fmt.Sprintf("substitution %q -> %q failed: %v", sub.PathSource, sub.PathTarget, err)
			}
			warnings = append(warnings, warning)
			e.logger.Warn("extraction yielded null",
				"tenant", tenant,
				"mapping", mapping.Identifier,
				"pathSource", sub.PathSource,
				"pathTarget", sub.PathTarget)
			cache.AddSubstitution(sub.PathTarget, model.NewSubstituteValue(nil, sub.Strategy(), sub.ExpandArray))
			continue
		}

		if elements, isArray := value.([]any); isArray && sub.ExpandArray {
			// one substitute value per element, fanning one inbound
			// message out into N target entities
			for _, element := range elements {
				cache.AddSubstitution(sub.PathTarget, model.NewSubstituteValue(element, sub.Strategy(), true))
			}
			continue
		}
		cache.AddSubstitution(sub.PathTarget, model.NewSubstituteValue(value, sub.Strategy(), sub.ExpandArray))
	}
	return warnings
}

// BranchCount returns how many target documents the cache fans out into:
// the longest value list among expanded paths. A cache with no expanded
// entries produces exactly one document.
func BranchCount(cache Cache) int {
	count := 1
	for _, path := range cache.TargetPaths() {
		values := cache.Substitutions(path)
		if len(values) < 2 {
			continue
		}
		for _, v := range values {
			if v.ExpandArray && len(values) > count {
				count = len(values)
				break
			}
		}
	}
	return count
}

// IdentityPath reports whether a target path belongs to the reserved device
// identity namespace. Identity entries drive device resolution and never
// appear in patched payloads.
func IdentityPath(path string) bool {
	return strings.HasPrefix(path, model.TokenIdentity)
}

// TopicLevelPath reports whether a target path addresses the publish topic
// rather than the payload. Topic-level entries are merged into the resolved
// publish topic and never appear in patched payloads.
func TopicLevelPath(path string) bool {
	return strings.HasPrefix(strings.TrimPrefix(path, "$."), model.TokenTopicLevel)
}

// TopicLevelIndex parses the level index from a topic-level target path such
// as "_TOPIC_LEVEL_[1]". It reports false for paths without a bracketed
// non-negative index.
func TopicLevelIndex(path string) (int, bool) {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, "$."), model.TokenTopicLevel)
	if len(rest) < 3 || rest[0] != '[' || rest[len(rest)-1] != ']' {
		return 0, false
	}
	i, err := strconv.Atoi(rest[1 : len(rest)-1])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// ResolveTopic builds the concrete publish topic for one branch. The pattern
// is split into levels and every cached topic-level entry overwrites the
// level at its index with the branch's substitute value. Resolution fails
// when a wildcard level is left without a substitute.
func ResolveTopic(pattern string, cache Cache, index int) (string, error) {
	levels := model.SplitTopic(pattern)
	for _, path := range cache.TargetPaths() {
		if !TopicLevelPath(path) {
			continue
		}
		i, ok := TopicLevelIndex(path)
		if !ok || i >= len(levels) {
			continue
		}
		value, err := SelectValue(cache.Substitutions(path), index)
		if err != nil {
			return "", err
		}
		if value.IsNull() {
			continue
		}
		levels[i] = fmt.Sprintf("%v", value.Value)
	}
	for _, level := range levels {
		if level == model.TopicWildcardSingle || level == model.TopicWildcardMulti {
			return "", fmt.Errorf("publish topic %q has an unresolved wildcard level", pattern)
		}
	}
	return strings.Join(levels, "/"), nil
}
