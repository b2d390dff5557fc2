package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles and caches CEL programs. Campaign eligibility expressions
// are evaluated on every participation event, so compiled programs are cached
// by expression text.
type Engine struct {
	programs sync.Map
}

func New() *Engine {
	return &Engine{}
}

// EvalBool evaluates expression against vars and requires a boolean result.
// Every key in vars is exposed as a top-level dyn variable; the variable set
// for a given expression must stay stable across calls.
func (e *Engine) EvalBool(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("expression must not be empty")
	}

	program, err := e.getOrCompile(expression, vars)
	if err != nil {
		return false, err
	}

	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	boolean, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return a boolean, got %T", result.Value())
	}

	return boolean, nil
}

func (e *Engine) getOrCompile(expression string, vars map[string]any) (cel.Program, error) {
	if v, ok := e.programs.Load(expression); ok {
		return v.(cel.Program), nil
	}

	envOpts := make([]cel.EnvOption, 0, len(vars))
	for key := range vars {
		envOpts = append(envOpts, cel.Variable(key, cel.DynType))
	}

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, program)
	return program, nil
}
