package index

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// DefaultFilterCacheSize is the number of compiled filters kept by default.
const DefaultFilterCacheSize = 1024

// FilterCompiler turns CEL expressions into predicates over index entries.
// An expression sees the variables key, rid ("#c:p"), collection and
// position, and must evaluate to a boolean:
//
//	collection == 3 && key.startsWith("A")
type FilterCompiler struct {
	env   *cel.Env
	cache *ristretto.Cache[string, cel.Program]
}

// NewFilterCompiler creates a compiler caching up to size programs.
func NewFilterCompiler(size int64) (*FilterCompiler, error) {
	if size <= 0 {
		size = DefaultFilterCacheSize
	}
	env, err := cel.NewEnv(
		cel.Variable("key", cel.DynType),
		cel.Variable("rid", cel.StringType),
		cel.Variable("collection", cel.IntType),
		cel.Variable("position", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, cel.Program]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create filter cache: %w", err)
	}
	return &FilterCompiler{env: env, cache: cache}, nil
}

func (fc *FilterCompiler) program(expr string) (cel.Program, error) {
	if prg, ok := fc.cache.Get(expr); ok {
		return prg, nil
	}
	ast, issues := fc.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", storeerr.ErrConfiguration, expr, issues.Err())
	}
	prg, err := fc.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", storeerr.ErrConfiguration, expr, err)
	}
	fc.cache.Set(expr, prg, 1)
	return prg, nil
}

// Compile returns the predicate of expr. Compilation errors are reported
// here; evaluation errors fail the read that applies the predicate.
func (fc *FilterCompiler) Compile(expr string) (Predicate, error) {
	prg, err := fc.program(expr)
	if err != nil {
		return nil, err
	}
	return func(e Entry) (bool, error) {
		out, _, err := prg.Eval(map[string]any{
			"key":        celValue(e.Key),
			"rid":        e.RID.String(),
			"collection": int64(e.RID.Collection),
			"position":   e.RID.Position,
		})
		if err != nil {
			return false, fmt.Errorf("filter %q: %w", expr, err)
		}
		result, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("filter %q must return a boolean", expr)
		}
		return result, nil
	}, nil
}

// Close releases the program cache.
func (fc *FilterCompiler) Close() {
	fc.cache.Close()
}

// celValue maps key parts to values the CEL type adapter understands.
func celValue(v any) any {
	switch x := v.(type) {
	case rid.RID:
		return x.String()
	case keys.Composite:
		out := make([]any, len(x))
		for i, p := range x {
			out[i] = celValue(p)
		}
		return out
	}
	return v
}
