package workflow

import (
	"fmt"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// Validator checks workflow templates for structural well-formedness
// before they become usable. It is pure: validation never touches
// storage and has no side effects beyond schema/program caches.
type Validator struct {
	evaluator rules.Evaluator
	schemas   *schemaCache
}

// NewValidator creates a Validator. The evaluator is used to compile
// action guard conditions; pass the same instance the engine evaluates
// with so compiled programs are shared.
func NewValidator(evaluator rules.Evaluator) *Validator {
	return &Validator{
		evaluator: evaluator,
		schemas:   newSchemaCache(),
	}
}

// Validate collects every structural violation in the template and
// reports them together. It returns nil for well-formed templates and a
// *StructuralError otherwise.
func (v *Validator) Validate(wf *types.WorkflowDefinition) error {
	var violations []Violation

	if len(wf.States) == 0 {
		violations = append(violations, Violation{Kind: ViolationNoStates})
	}

	initialCount := 0
	stateNames := make(map[string]struct{}, len(wf.States))
	for _, state := range wf.States {
		if state.IsInitial {
			initialCount++
		}
		if _, dup := stateNames[state.Name]; dup {
			violations = append(violations, Violation{
				Kind:  ViolationDuplicateState,
				State: state.Name,
			})
		}
		stateNames[state.Name] = struct{}{}
	}

	if len(wf.States) > 0 && initialCount != 1 {
		violations = append(violations, Violation{
			Kind:   ViolationInitialStateCount,
			Detail: fmt.Sprintf("found %d initial states, want exactly 1", initialCount),
		})
	}

	for _, state := range wf.States {
		if state.IsFinal && len(state.Actions) > 0 {
			violations = append(violations, Violation{
				Kind:   ViolationFinalStateActions,
				State:  state.Name,
				Detail: fmt.Sprintf("final state declares %d outgoing actions", len(state.Actions)),
			})
		}

		actionNames := make(map[string]struct{}, len(state.Actions))
		for _, action := range state.Actions {
			if _, dup := actionNames[action.Name]; dup {
				violations = append(violations, Violation{
					Kind:   ViolationDuplicateAction,
					State:  state.Name,
					Action: action.Name,
				})
			}
			actionNames[action.Name] = struct{}{}

			if _, ok := stateNames[action.TargetState]; !ok {
				violations = append(violations, Violation{
					Kind:   ViolationDanglingTarget,
					State:  state.Name,
					Action: action.Name,
					Target: action.TargetState,
				})
			}

			if action.Condition != "" && v.evaluator != nil {
				if err := v.evaluator.Check(action.Condition); err != nil {
					violations = append(violations, Violation{
						Kind:   ViolationBadCondition,
						State:  state.Name,
						Action: action.Name,
						Detail: err.Error(),
					})
				}
			}
		}
	}

	if len(wf.FieldSchema) > 0 {
		if _, err := v.schemas.compile(wf.FieldSchema); err != nil {
			violations = append(violations, Violation{
				Kind:   ViolationBadFieldSchema,
				Detail: err.Error(),
			})
		}
	}

	if len(violations) > 0 {
		return &StructuralError{Workflow: wf.Name, Violations: violations}
	}
	return nil
}
