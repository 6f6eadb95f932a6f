package model

// SubstituteValueType classifies an extracted value. The set is closed;
// classification never produces a type outside it.
type SubstituteValueType string

// Substitute value types
const (
	TypeTextual SubstituteValueType = "TEXTUAL"
	TypeNumber  SubstituteValueType = "NUMBER"
	TypeArray   SubstituteValueType = "ARRAY"
	TypeObject  SubstituteValueType = "OBJECT"
	// TypeIgnore marks a substitution whose extraction yielded null or
	// failed. The entry stays in the cache so the patcher can still apply
	// the repair strategy (remove, create, skip).
	TypeIgnore SubstituteValueType = "IGNORE"
)

// SubstituteValue is one typed extraction result together with the repair
// policy of the substitution that produced it.
type SubstituteValue struct {
	Value          any                 `json:"value"`
	Type           SubstituteValueType `json:"type"`
	RepairStrategy RepairStrategy      `json:"repairStrategy"`
	ExpandArray    bool                `json:"expandArray,omitempty"`
}

// NewSubstituteValue classifies v and wraps it. Nil classifies as IGNORE;
// strings as TEXTUAL; all numeric kinds as NUMBER; slices as ARRAY; maps as
// OBJECT. Booleans carry no dedicated type and are kept as TEXTUAL with the
// raw value preserved, so the patched document still holds a real boolean.
func NewSubstituteValue(v any, strategy RepairStrategy, expandArray bool) SubstituteValue {
	return SubstituteValue{
		Value:          v,
		Type:           ClassifyValue(v),
		RepairStrategy: strategy,
		ExpandArray:    expandArray,
	}
}

// ClassifyValue maps a decoded JSON value onto the substitute value types.
func ClassifyValue(v any) SubstituteValueType {
	switch v.(type) {
	case nil:
		return TypeIgnore
	case string:
		return TypeTextual
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return TypeNumber
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	default:
		// booleans and anything a custom decoder hands us
		return TypeTextual
	}
}

// IsNull reports whether the value is absent. IGNORE-typed entries with a
// null value are still recorded in the processing cache.
func (sv SubstituteValue) IsNull() bool {
	return sv.Value == nil
}

// Ignored reports whether extraction failed for this entry.
func (sv SubstituteValue) Ignored() bool {
	return sv.Type == TypeIgnore
}

// Clone returns an independent copy. Container values are deep-copied so
// expansion branches consuming the same cache entry cannot observe each
// other's patches.
func (sv SubstituteValue) Clone() SubstituteValue {
	return SubstituteValue{
		Value:          cloneValue(sv.Value),
		Type:           sv.Type,
		RepairStrategy: sv.RepairStrategy,
		ExpandArray:    sv.ExpandArray,
	}
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// CloneDocument deep-copies a decoded JSON document. The patcher works on a
// clone so the mapping's target template is never mutated.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}
