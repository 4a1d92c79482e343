package ir

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/nuxie/growth-core/internal/dynval"
)

// celEngine compiles and caches CEL programs for KindCELExpr nodes: a
// compile-once, evaluate-many cache guarded by an RWMutex.
type celEngine struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEngine() *celEngine {
	return &celEngine{cache: make(map[string]cel.Program)}
}

func (e *celEngine) eval(ctx context.Context, ectx *Context, expr string) (dynval.Value, error) {
	prg, err := e.program(expr)
	if err != nil {
		// Invalid expressions default to false rather than erroring,
		// consistent with every other predicate-position failure mode.
		return dynval.Bool(false), nil
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"user":  celUserMap(ctx, ectx),
		"event": celEventMap(ectx),
		"now":   ectx.now().Unix(),
	})
	if err != nil {
		return dynval.Bool(false), nil
	}

	switch v := out.Value().(type) {
	case bool:
		return dynval.Bool(v), nil
	case float64:
		return dynval.Number(v), nil
	case int64:
		return dynval.Number(float64(v)), nil
	case string:
		return dynval.String(v), nil
	default:
		return dynval.Bool(false), nil
	}
}

func (e *celEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("user", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("ir: failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("ir: CEL compile error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("ir: failed to build CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func celUserMap(ctx context.Context, ectx *Context) map[string]interface{} {
	out := map[string]interface{}{}
	if ectx.User == nil {
		return out
	}
	// Adapters don't expose enumeration, so the CEL escape hatch only
	// sees properties the expression names via known keys; user.<key>
	// resolves lazily would require a custom CEL type adapter, out of
	// scope for this fallback path.
	return out
}

func celEventMap(ectx *Context) map[string]interface{} {
	out := map[string]interface{}{}
	if ectx.Event == nil {
		return out
	}
	out["name"] = ectx.Event.Name
	props := map[string]interface{}{}
	for k, v := range ectx.Event.Properties {
		props[k] = rawValue(v)
	}
	out["properties"] = props
	return out
}

func rawValue(v dynval.Value) interface{} {
	switch v.Kind() {
	case dynval.KindBool:
		return v.AsBool()
	case dynval.KindNumber:
		return v.AsNumber()
	case dynval.KindString:
		return v.AsString()
	case dynval.KindTimestamp:
		return v.AsTime().Unix()
	case dynval.KindDuration:
		return v.AsDuration().Seconds()
	case dynval.KindList:
		out := make([]interface{}, len(v.AsList()))
		for i, el := range v.AsList() {
			out[i] = rawValue(el)
		}
		return out
	case dynval.KindMap:
		out := map[string]interface{}{}
		for k, el := range v.AsMap() {
			out[k] = rawValue(el)
		}
		return out
	default:
		return nil
	}
}
