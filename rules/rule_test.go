package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/process-engine/types"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
	}{
		{
			name:       "Valid true expression",
			expression: "payload.amount > 100",
			env:        GuardEnv(nil, map[string]interface{}{"amount": 250}, types.Actor{}),
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "payload.amount > 100",
			env:        GuardEnv(nil, map[string]interface{}{"amount": 50}, types.Actor{}),
			wantResult: false,
		},
		{
			name:       "Reads instance data",
			expression: `data.category == "hardware"`,
			env:        GuardEnv(map[string]interface{}{"category": "hardware"}, nil, types.Actor{}),
			wantResult: true,
		},
		{
			name:       "Reads actor roles",
			expression: `"Manager" in actor.roles`,
			env:        GuardEnv(nil, nil, types.Actor{ID: "u1", Roles: []string{"Manager"}}),
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "1 + 2",
			env:        GuardEnv(nil, nil, types.Actor{}),
			wantErr:    true,
		},
		{
			name:       "Invalid syntax",
			expression: "payload.amount >",
			env:        GuardEnv(nil, nil, types.Actor{}),
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, got)
		})
	}
}

// TestExprEvaluatorCheck verifies Check compiles without evaluating.
func TestExprEvaluatorCheck(t *testing.T) {
	evaluator := NewExprEvaluator()

	assert.NoError(t, evaluator.Check("payload.amount > 100"))
	assert.Error(t, evaluator.Check("payload.amount >"))
}

// TestExprEvaluatorConcurrent exercises the program cache under concurrency.
func TestExprEvaluatorConcurrent(t *testing.T) {
	evaluator := NewExprEvaluator()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(amount int) {
			defer wg.Done()
			env := GuardEnv(nil, map[string]interface{}{"amount": amount}, types.Actor{})
			got, err := evaluator.Evaluate("payload.amount >= 25", env)
			assert.NoError(t, err)
			assert.Equal(t, amount >= 25, got)
		}(i)
	}
	wg.Wait()
}
