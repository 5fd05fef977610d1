package workflow

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// conditionEvaluator compiles and caches the CEL programs that gate
// WorkflowEdge firing. spec.md §9 redesigns edge conditions away from a
// bespoke mini-language into CEL specifically because it is small and
// total: there is no way for an edge condition to loop, recurse, or block,
// so one slow or malicious workflow definition can never wedge the engine.
type conditionEvaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

func newConditionEvaluator() (*conditionEvaluator, error) {
	env, err := cel.NewEnv(cel.Variable("output", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("workflow: build CEL environment: %w", err)
	}
	return &conditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// evaluate reports whether condition fires, given the firing node's output.
// An empty condition always fires.
func (c *conditionEvaluator) evaluate(condition string, output map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	prg, err := c.program(condition)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"output": output})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a bool", condition)
	}
	return fired, nil
}

func (c *conditionEvaluator) program(condition string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.cache[condition]; ok {
		return prg, nil
	}
	ast, issues := c.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for condition %q: %w", condition, err)
	}
	c.cache[condition] = prg
	return prg, nil
}
