package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loonghao/taskchain/pkg/schema"
)

// GoJQEngine implements the Engine interface using GoJQ. Data mappings use it
// for selector sources: a mapping source that starts with "." is treated as a
// jq expression evaluated against the shared data bag instead of a plain key
// lookup.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// IsSelector reports whether a mapping source should be evaluated as a jq
// expression rather than a direct key lookup.
func IsSelector(source string) bool {
	return strings.HasPrefix(source, ".")
}

// Evaluate compiles (or retrieves from cache) a jq expression and evaluates
// it against the provided data. jq expressions can produce multiple outputs:
// exactly one output is returned directly, multiple outputs are collected
// into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Select resolves a mapping selector against the data bag. It returns the
// selected value and whether the selector produced one: a selector that
// evaluates to null is treated as absent, matching the silent-skip rule for
// plain key lookups. A selector that fails to parse or errors at runtime is
// a mapping error.
func (e *GoJQEngine) Select(ctx context.Context, selector string, data map[string]any) (any, bool, error) {
	code, err := e.getOrCompile(selector)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeMapping,
			"invalid mapping selector %q", selector).WithCause(err)
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))

	val, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if runErr, isErr := val.(error); isErr {
		return nil, false, schema.NewErrorf(schema.ErrCodeMapping,
			"mapping selector %q failed: %s", selector, runErr.Error()).
			WithCause(runErr)
	}
	if val == nil {
		return nil, false, nil
	}
	return val, true, nil
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native types to jq-compatible types. jq uses
// float64 for all numbers, and step outputs frequently carry int values.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
