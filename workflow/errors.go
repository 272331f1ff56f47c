package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error definitions. Not-found and revision-conflict conditions
// propagate from the storage package unchanged.
var (
	ErrWorkflowInactive    = errors.New("workflow is not active")
	ErrProcessNotActive    = errors.New("process is not active")
	ErrProcessNotSuspended = errors.New("process is not suspended")
	ErrActionNotAvailable  = errors.New("action not available in current state")
	ErrForbidden           = errors.New("actor is not permitted to execute this action")
	ErrConditionNotMet     = errors.New("action condition not met")
	ErrTitleRequired       = errors.New("process title is required")
)

// ViolationKind classifies one structural defect in a workflow template.
type ViolationKind string

const (
	ViolationNoStates          ViolationKind = "no_states"
	ViolationInitialStateCount ViolationKind = "initial_state_count"
	ViolationDanglingTarget    ViolationKind = "dangling_transition"
	ViolationDuplicateState    ViolationKind = "duplicate_state"
	ViolationDuplicateAction   ViolationKind = "duplicate_action"
	ViolationFinalStateActions ViolationKind = "final_state_actions"
	ViolationBadCondition      ViolationKind = "bad_condition"
	ViolationBadFieldSchema    ViolationKind = "bad_field_schema"
)

// Violation describes one structural defect found by the validator.
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	State  string        `json:"state,omitempty"`
	Action string        `json:"action,omitempty"`
	Target string        `json:"target,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

func (v Violation) String() string {
	var b strings.Builder
	b.WriteString(string(v.Kind))
	if v.State != "" {
		fmt.Fprintf(&b, " state=%q", v.State)
	}
	if v.Action != "" {
		fmt.Fprintf(&b, " action=%q", v.Action)
	}
	if v.Target != "" {
		fmt.Fprintf(&b, " target=%q", v.Target)
	}
	if v.Detail != "" {
		fmt.Fprintf(&b, " (%s)", v.Detail)
	}
	return b.String()
}

// StructuralError aggregates every violation found in one template so
// administrators can fix them in a single pass.
type StructuralError struct {
	Workflow   string
	Violations []Violation
}

func (e *StructuralError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("workflow %q is structurally invalid: %s", e.Workflow, strings.Join(parts, "; "))
}

// Has reports whether the error contains a violation of the given kind.
func (e *StructuralError) Has(kind ViolationKind) bool {
	for _, v := range e.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// MissingFieldsError lists every required field absent from a payload,
// not just the first.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// SchemaViolationError reports instance data rejected by the template's
// field schema.
type SchemaViolationError struct {
	Violations []string
}

func (e *SchemaViolationError) Error() string {
	return "data does not satisfy field schema: " + strings.Join(e.Violations, "; ")
}

// InvariantError signals persisted data inconsistent with its bound
// template. This is a corruption signal: it is logged and surfaced as an
// internal failure, never retried, and the instance is left unchanged.
type InvariantError struct {
	ProcessID uint64
	Detail    string
}

func (e *InvariantError) Error() string {
	if e.ProcessID != 0 {
		return fmt.Sprintf("invariant violation on process %d: %s", e.ProcessID, e.Detail)
	}
	return "invariant violation: " + e.Detail
}
