package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/process-engine/types"
)

// Evaluator evaluates action guard conditions against an environment.
type Evaluator interface {
	// Evaluate runs the expression and returns its boolean result.
	Evaluate(expression string, env map[string]interface{}) (bool, error)

	// Check compiles the expression without running it, for use by the
	// workflow validator at publish time.
	Check(expression string) error
}

// GuardEnv builds the environment guard conditions are evaluated in.
// Conditions see the instance data, the submitted payload and the actor,
// and nothing else; they cannot reach host functions.
func GuardEnv(data, payload map[string]interface{}, actor types.Actor) map[string]interface{} {
	if data == nil {
		data = map[string]interface{}{}
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"data":    data,
		"payload": payload,
		"actor": map[string]interface{}{
			"id":    actor.ID,
			"roles": actor.Roles,
		},
	}
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a
// compiled-program cache.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// compile returns the cached program for the expression, compiling and
// caching it on first use. Programs are compiled without a typed
// environment so one program serves every instance's data shape.
func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
	}
	return boolResult, nil
}

// Check compiles the expression and reports compilation errors.
func (e *ExprEvaluator) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}
