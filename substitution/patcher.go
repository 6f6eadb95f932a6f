package substitution

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ohler55/ojg/jp"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// Patcher applies a processing cache into a cloned target template. One
// invocation produces one document; fan-out across expansion branches is the
// orchestrator's loop, selecting one branch index per invocation. Safe for
// concurrent use.
type Patcher struct {
	mu       sync.RWMutex
	compiled map[string]jp.Expr
	logger   *slog.Logger
}

// NewPatcher creates a patcher with an empty target-path expression cache.
func NewPatcher(logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{
		compiled: make(map[string]jp.Expr),
		logger:   logger.With("component", "patcher"),
	}
}

// PatchDocument clones the template and applies one substitute value per
// cached target path for the given branch index. Identity-namespace and
// topic-level paths are skipped; they drive device resolution and topic
// resolution, not payload content. The template itself is never mutated.
func (p *Patcher) PatchDocument(
	mapping *model.Mapping,
	template map[string]any,
	cache Cache,
	index int,
) (map[string]any, error) {
	doc := model.CloneDocument(template)
	if doc == nil {
		doc = make(map[string]any)
	}

	for _, path := range cache.TargetPaths() {
		if IdentityPath(path) || TopicLevelPath(path) {
			continue
		}
		value, err := SelectValue(cache.Substitutions(path), index)
		if err != nil {
			return nil, errors.NewPatchError(mapping.Identifier, path, err)
		}
		if err := p.applyValue(doc, path, value.Clone()); err != nil {
			return nil, errors.NewPatchError(mapping.Identifier, path, err)
		}
	}
	return doc, nil
}

// SelectValue picks the branch's substitute value from a path's cached list.
// A single-valued path serves every branch. A multi-valued path pairs by
// index with the other expanded paths; when the branch index runs past the
// list, USE_FIRST/USE_LAST strategies fall back to the ends and anything
// else is a cardinality error.
func SelectValue(values []model.SubstituteValue, index int) (model.SubstituteValue, error) {
	switch {
	case len(values) == 0:
		return model.SubstituteValue{}, fmt.Errorf("%w: empty cache entry", errors.ErrCardinality)
	case len(values) == 1:
		return values[0], nil
	case index < len(values):
		return values[index], nil
	}
	switch values[0].RepairStrategy {
	case model.RepairUseFirstOfArray:
		return values[0], nil
	case model.RepairUseLastOfArray:
		return values[len(values)-1], nil
	}
	return model.SubstituteValue{}, fmt.Errorf("%w: branch %d of %d values",
		errors.ErrCardinality, index, len(values))
}

// applyValue patches one value at one target path, honoring its repair
// strategy.
func (p *Patcher) applyValue(doc map[string]any, path string, sv model.SubstituteValue) error {
	if rootPath(path) {
		return mergeRoot(doc, sv)
	}

	value := sv.Value
	// an un-expanded array with an ends-selection strategy collapses to
	// one element before patching
	if elements, ok := value.([]any); ok && len(elements) > 0 {
		switch sv.RepairStrategy {
		case model.RepairUseFirstOfArray:
			value = elements[0]
		case model.RepairUseLastOfArray:
			value = elements[len(elements)-1]
		}
	}

	expr, err := p.compile(path)
	if err != nil {
		return err
	}

	switch {
	case sv.RepairStrategy == model.RepairRemoveIfMissing && sv.IsNull():
		// idempotent: deleting an absent node is a no-op
		return expr.Del(doc)
	case sv.RepairStrategy == model.RepairIgnore && sv.Ignored():
		return nil
	case sv.RepairStrategy == model.RepairCreateIfMissing:
		return expr.Set(doc, value)
	default:
		if !expr.Has(doc) {
			return errors.ErrTargetPathMissing
		}
		return expr.Set(doc, value)
	}
}

func (p *Patcher) compile(path string) (jp.Expr, error) {
	p.mu.RLock()
	expr, ok := p.compiled[path]
	p.mu.RUnlock()
	if ok {
		return expr, nil
	}
	parsed, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w: target path %q: %v", errors.ErrTargetPathMissing, path, err)
	}
	p.mu.Lock()
	p.compiled[path] = parsed
	p.mu.Unlock()
	return parsed, nil
}

func rootPath(path string) bool {
	return path == "" || path == "$" || path == "$."
}

// mergeRoot merges an extracted object's top-level fields directly into the
// document instead of nesting them under a key.
func mergeRoot(doc map[string]any, sv model.SubstituteValue) error {
	if sv.IsNull() {
		if sv.RepairStrategy == model.RepairRemoveIfMissing || sv.RepairStrategy == model.RepairIgnore {
			return nil
		}
		return fmt.Errorf("%w: null value for root merge", errors.ErrTargetPathMissing)
	}
	fields, ok := sv.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("root substitution requires an object, got %T", sv.Value)
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}
