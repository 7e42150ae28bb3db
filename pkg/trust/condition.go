package trust

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEngine evaluates optional CEL conditions attached to trust rules.
// Expressions see a single `request` map (tool, action, scope, risk,
// reversible, cloud). Compiled programs are cached per expression.
type ConditionEngine struct {
	mu    sync.RWMutex
	env   *cel.Env
	cache map[string]cel.Program
}

// NewConditionEngine creates the CEL environment for rule conditions.
func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &ConditionEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs expression against the request attributes. The result must
// be a boolean; anything else is an error. Callers treat an error as "rule
// does not apply" (fail-closed toward asking the user).
func (e *ConditionEngine) Evaluate(expression string, request map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expression]; !hit {
			ast, issues := e.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile condition: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("build condition program: %w", err)
			}
			e.cache[expression] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"request": request})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool, got %T", out.Value())
	}
	return result, nil
}
