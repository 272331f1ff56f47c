package types

import "encoding/json"

// Status is the lifecycle status of a process instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusSuspended Status = "suspended"
)

// Terminal reports whether no further actions can be executed on an
// instance in this status. Suspended instances can still be resumed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// SLAStatus classifies an instance against its deadline.
type SLAStatus string

const (
	SLAWithin  SLAStatus = "within"
	SLAAtRisk  SLAStatus = "atrisk"
	SLAOverdue SLAStatus = "overdue"
)

// WorkflowDefinition is a versioned, immutable workflow template.
// Identity is (Name, Version); edits produce a new version and flip the
// prior version's Active flag, they never modify a published definition.
type WorkflowDefinition struct {
	Name        string  `json:"name"`
	Version     int     `json:"version"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Active      bool    `json:"active"`
	States      []State `json:"states"`

	// FieldSchema is an optional JSON Schema document applied to the
	// instance data map on start and after every action merge.
	FieldSchema json.RawMessage `json:"field_schema,omitempty"`

	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	CreatedBy string `json:"created_by,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// FindState returns the state with the given name, or nil.
func (w *WorkflowDefinition) FindState(name string) *State {
	for i := range w.States {
		if w.States[i].Name == name {
			return &w.States[i]
		}
	}
	return nil
}

// InitialState returns the state marked IsInitial, or nil. Validated
// definitions have exactly one.
func (w *WorkflowDefinition) InitialState() *State {
	for i := range w.States {
		if w.States[i].IsInitial {
			return &w.States[i]
		}
	}
	return nil
}

// State is a named step in a workflow template.
type State struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	IsInitial   bool   `json:"is_initial"`
	IsFinal     bool   `json:"is_final"`

	// AssignedRoles are the role tags eligible to own instances sitting
	// in this state; resolved to user ids when a process starts here.
	AssignedRoles []string `json:"assigned_roles,omitempty"`

	// RequiredFields must be present in the initial data before a
	// process may start in this state.
	RequiredFields []string `json:"required_fields,omitempty"`

	Actions []Action `json:"actions,omitempty"`
}

// FindAction returns the action with the given name, or nil.
func (s *State) FindAction(name string) *Action {
	for i := range s.Actions {
		if s.Actions[i].Name == name {
			return &s.Actions[i]
		}
	}
	return nil
}

// Action is a named, role-gated transition from its owning state to
// TargetState.
type Action struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	TargetState string `json:"target_state"`

	// AllowedRoles gate invocation; an empty set means unrestricted.
	AllowedRoles []string `json:"allowed_roles,omitempty"`

	// RequiredFields are dotted paths that must resolve to non-empty
	// values in the submitted payload.
	RequiredFields []string `json:"required_fields,omitempty"`

	// Condition is an optional boolean expression evaluated against
	// {data, payload, actor} before the action may execute.
	Condition string `json:"condition,omitempty"`
}

// ProcessInstance is one running execution of a workflow template.
// It stays bound to the exact (WorkflowName, WorkflowVersion) it was
// started with and is never re-resolved to a newer version.
type ProcessInstance struct {
	ID              uint64 `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	WorkflowName    string `json:"workflow_name"`
	WorkflowVersion int    `json:"workflow_version"`
	CurrentState    string `json:"current_state"`
	Status          Status `json:"status"`

	// Data is the open key->value map mutated incrementally by actions.
	Data map[string]interface{} `json:"data"`

	Priority   string   `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	AssignedTo []string `json:"assigned_to,omitempty"`
	Watchers   []string `json:"watchers,omitempty"`
	StartedBy  string   `json:"started_by"`

	// History is the append-only audit trail; entries are immutable and
	// never reordered.
	History []HistoryEntry `json:"history"`

	Comments []Comment `json:"comments,omitempty"`

	SLA *SLA `json:"sla,omitempty"`

	// Revision is checked and incremented on every save to reject
	// concurrent lost updates.
	Revision int64 `json:"revision"`

	StartedAt   int64 `json:"started_at"`
	UpdatedAt   int64 `json:"updated_at"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// HistoryEntry records one executed transition. FromState is empty only
// for the synthetic start entry.
type HistoryEntry struct {
	ID              string                 `json:"id"`
	FromState       string                 `json:"from_state,omitempty"`
	ToState         string                 `json:"to_state"`
	Action          string                 `json:"action"`
	ExecutedBy      string                 `json:"executed_by"`
	ExecutedAt      int64                  `json:"executed_at"`
	Comments        string                 `json:"comments,omitempty"`
	SystemGenerated bool                   `json:"system_generated,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// Comment is free-form discussion attached to an instance.
type Comment struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

// SLA holds the deadline state and per-state dwell intervals of an
// instance. Deadline 0 means no deadline is set.
type SLA struct {
	Deadline     int64           `json:"deadline,omitempty"`
	Status       SLAStatus       `json:"status,omitempty"`
	TimeInStates []StateInterval `json:"time_in_states,omitempty"`
}

// StateInterval is one continuous sojourn in a state. ExitedAt 0 marks
// the open interval for the current state.
type StateInterval struct {
	State     string `json:"state"`
	EnteredAt int64  `json:"entered_at"`
	ExitedAt  int64  `json:"exited_at,omitempty"`
	Duration  int64  `json:"duration,omitempty"` // milliseconds
}

// Actor is an already-authenticated caller with a resolved role set.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}
