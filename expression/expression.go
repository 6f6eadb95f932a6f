// Package expression evaluates path expressions against decoded JSON
// documents. Extraction and filter predicates both go through the same
// Engine so mappings see one expression dialect.
package expression

import (
	"fmt"
	"sync"

	"github.com/ohler55/ojg/jp"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
)

// Engine evaluates a path expression against a document. The boolean result
// distinguishes "found null" from "not found": (nil, false, nil) means the
// path selected nothing, (nil, true, nil) means it selected an explicit null.
type Engine interface {
	Evaluate(path string, doc any) (any, bool, error)
}

// JSONPathEngine is the default Engine, backed by ojg's jp package.
// Compiled expressions are memoized; the engine is safe for concurrent use.
type JSONPathEngine struct {
	mu       sync.RWMutex
	compiled map[string]jp.Expr
}

// NewJSONPathEngine creates an engine with an empty expression cache.
func NewJSONPathEngine() *JSONPathEngine {
	return &JSONPathEngine{compiled: make(map[string]jp.Expr)}
}

// Evaluate runs path against doc. Zero matches yields found=false. A single
// match yields the value itself. Multiple matches collapse into one []any,
// so wildcard source paths behave like an extracted collection.
func (e *JSONPathEngine) Evaluate(path string, doc any) (any, bool, error) {
	expr, err := e.compile(path)
	if err != nil {
		return nil, false, err
	}
	results := expr.Get(doc)
	switch len(results) {
	case 0:
		return nil, false, nil
	case 1:
		return results[0], true, nil
	default:
		return results, true, nil
	}
}

func (e *JSONPathEngine) compile(path string) (jp.Expr, error) {
	e.mu.RLock()
	expr, ok := e.compiled[path]
	e.mu.RUnlock()
	if ok {
		return expr, nil
	}

	parsed, err := jp.ParseString(path)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q: %v", errors.ErrExtractionFailed, path, err),
			"JSONPathEngine", "compile", "path expression does not parse")
	}

	e.mu.Lock()
	e.compiled[path] = parsed
	e.mu.Unlock()
	return parsed, nil
}

// EvaluatePredicate runs a filter expression and reduces the result to a
// truth value. Used for inbound message filters and outbound mapping
// selection.
func EvaluatePredicate(engine Engine, expr string, doc any) (bool, error) {
	value, found, err := engine.Evaluate(expr, doc)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return Truthy(value), nil
}

// Truthy reduces an evaluated expression result to a boolean: false for nil,
// false, empty strings, zero numbers and empty containers, true otherwise.
func Truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case float64:
		return tv != 0
	case float32:
		return tv != 0
	case int:
		return tv != 0
	case int64:
		return tv != 0
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	default:
		return true
	}
}
