package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/sla"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// StartActionName is the synthetic action recorded by the start entry.
const StartActionName = "start"

// RoleResolver maps role tags to user ids. Used only at StartProcess to
// seed the instance's AssignedTo set.
type RoleResolver interface {
	UsersWithRoles(ctx context.Context, roles []string) ([]string, error)
}

// RoleResolverFunc is a function adapter for RoleResolver.
type RoleResolverFunc func(ctx context.Context, roles []string) ([]string, error)

// UsersWithRoles implements the RoleResolver interface.
func (f RoleResolverFunc) UsersWithRoles(ctx context.Context, roles []string) ([]string, error) {
	return f(ctx, roles)
}

// Notifier delivers transition notifications. Delivery is best-effort:
// a failure is logged by the engine and never rolls back a transition.
type Notifier interface {
	Notify(ctx context.Context, inst *types.ProcessInstance, entry types.HistoryEntry, actor types.Actor) error
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(ctx context.Context, inst *types.ProcessInstance, entry types.HistoryEntry, actor types.Actor) error

// Notify implements the Notifier interface.
func (f NotifierFunc) Notify(ctx context.Context, inst *types.ProcessInstance, entry types.HistoryEntry, actor types.Actor) error {
	return f(ctx, inst, entry, actor)
}

// Engine drives workflow templates and process instances: it publishes
// validated template versions, starts processes and executes actions.
// The engine exclusively owns instance mutation; definitions are
// read-only once published.
type Engine struct {
	templates map[string]types.WorkflowDefinition // (name, version) read-through cache
	store     storage.Storage
	eventBus  *events.EventBus
	evaluator rules.Evaluator
	validator *Validator
	generate  generator.Generator
	resolver  RoleResolver
	notifier  Notifier
	logger    *slog.Logger
	mu        sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus replaces the engine's event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithNotifier sets the transition notifier collaborator.
func WithNotifier(notifier Notifier) Option {
	return func(e *Engine) { e.notifier = notifier }
}

// WithRoleResolver sets the role-to-user resolver collaborator.
func WithRoleResolver(resolver RoleResolver) Option {
	return func(e *Engine) { e.resolver = resolver }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a new Engine with the given generator and storage.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &Engine{
		templates: make(map[string]types.WorkflowDefinition),
		store:     store,
		evaluator: evaluator,
		validator: NewValidator(evaluator),
		generate:  generate,
		logger:    slog.Default(),
	}

	for _, option := range options {
		option(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus()
	}

	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Validator returns the engine's template validator.
func (e *Engine) Validator() *Validator {
	return e.validator
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

func templateCacheKey(name string, version int) string {
	return fmt.Sprintf("%s:%d", name, version)
}

// getWorkflow retrieves a bound template version, checking the cache
// first. Published versions are immutable, so cached copies never go
// stale.
func (e *Engine) getWorkflow(ctx context.Context, name string, version int) (types.WorkflowDefinition, error) {
	key := templateCacheKey(name, version)

	e.mu.RLock()
	wf, ok := e.templates[key]
	e.mu.RUnlock()
	if ok {
		return wf, nil
	}

	wf, err := e.store.GetWorkflow(ctx, name, version)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}

	e.mu.Lock()
	e.templates[key] = wf
	e.mu.Unlock()

	return wf, nil
}

// PublishWorkflow validates the template and publishes it as the next
// active version of its name. The prior active version is deactivated
// but in-flight instances keep the version they were started with.
// On success wf's Version, Active and timestamps are filled in.
func (e *Engine) PublishWorkflow(ctx context.Context, wf *types.WorkflowDefinition) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if wf == nil || wf.Name == "" {
		return errors.New("workflow name is required")
	}
	if err := e.validator.Validate(wf); err != nil {
		return err
	}

	versions, err := e.store.ListVersions(ctx, wf.Name)
	if err != nil {
		return fmt.Errorf("failed to list workflow versions: %w", err)
	}

	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	if prior, err := e.store.GetActiveWorkflow(ctx, wf.Name); err == nil {
		if err := e.store.DeactivateWorkflow(ctx, wf.Name, prior.Version); err != nil {
			return fmt.Errorf("failed to deactivate workflow %s v%d: %w", wf.Name, prior.Version, err)
		}
	} else if !errors.Is(err, storage.ErrWorkflowNotFound) {
		return err
	}

	now := time.Now().UnixMilli()
	wf.Version = next
	wf.Active = true
	if wf.CreatedAt == 0 {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	if err := e.store.SaveWorkflow(ctx, *wf); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	e.mu.Lock()
	e.templates[templateCacheKey(wf.Name, wf.Version)] = *wf
	e.mu.Unlock()

	return nil
}

// StartOptions carries the optional attributes of a new process.
type StartOptions struct {
	Description string
	Priority    string
	Tags        []string
	Watchers    []string
	Deadline    int64 // UnixMilli, 0 for no deadline
}

// StartOption configures StartProcess.
type StartOption func(*StartOptions)

// WithDescription sets the process description.
func WithDescription(description string) StartOption {
	return func(o *StartOptions) { o.Description = description }
}

// WithPriority sets the process priority.
func WithPriority(priority string) StartOption {
	return func(o *StartOptions) { o.Priority = priority }
}

// WithTags sets the process tags.
func WithTags(tags ...string) StartOption {
	return func(o *StartOptions) { o.Tags = tags }
}

// WithWatchers sets the initial watcher set.
func WithWatchers(watchers ...string) StartOption {
	return func(o *StartOptions) { o.Watchers = watchers }
}

// WithDeadline sets the SLA deadline (UnixMilli).
func WithDeadline(deadline int64) StartOption {
	return func(o *StartOptions) { o.Deadline = deadline }
}

// StartProcess creates a process instance bound to the active version of
// the named workflow, enters the initial state and appends the synthetic
// start history entry.
func (e *Engine) StartProcess(ctx context.Context, workflowName, title string, initialData map[string]interface{}, actor types.Actor, options ...StartOption) (*types.ProcessInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if title == "" {
		return nil, ErrTitleRequired
	}

	var opts StartOptions
	for _, option := range options {
		option(&opts)
	}

	wf, err := e.store.GetActiveWorkflow(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, fmt.Errorf("%w: %s v%d", ErrWorkflowInactive, wf.Name, wf.Version)
	}

	// Defensive re-validation guards against corrupted persisted
	// templates slipping past publish-time checks.
	if err := e.validator.Validate(&wf); err != nil {
		return nil, &InvariantError{Detail: fmt.Sprintf("workflow %s v%d failed validation: %v", wf.Name, wf.Version, err)}
	}
	initial := wf.InitialState()

	if initialData == nil {
		initialData = make(map[string]interface{})
	}
	if missing := MissingFields(initial.RequiredFields, initialData); len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}
	if err := e.validator.schemas.validate(initialData, wf.FieldSchema); err != nil {
		return nil, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	var assignedTo []string
	if e.resolver != nil && len(initial.AssignedRoles) > 0 {
		assignedTo, err = e.resolver.UsersWithRoles(ctx, initial.AssignedRoles)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve assigned roles: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	startEntry := types.HistoryEntry{
		ID:              uuid.NewString(),
		ToState:         initial.Name,
		Action:          StartActionName,
		ExecutedBy:      actor.ID,
		ExecutedAt:      now,
		Comments:        "Process started",
		SystemGenerated: true,
	}

	instSLA := &types.SLA{
		Deadline: opts.Deadline,
		Status:   sla.Recompute(opts.Deadline, now),
	}
	sla.TrackTransition(instSLA, "", initial.Name, now)

	inst := types.ProcessInstance{
		ID:              id,
		Title:           title,
		Description:     opts.Description,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		CurrentState:    initial.Name,
		Status:          types.StatusActive,
		Data:            initialData,
		Priority:        opts.Priority,
		Tags:            opts.Tags,
		AssignedTo:      assignedTo,
		Watchers:        opts.Watchers,
		StartedBy:       actor.ID,
		History:         []types.HistoryEntry{startEntry},
		SLA:             instSLA,
		Revision:        1,
		StartedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.store.SaveInstance(ctx, inst, 0); err != nil {
		return nil, err
	}

	e.publishEvent(ctx, events.EventProcessStarted, inst.ID, map[string]interface{}{
		"workflow":      inst.WorkflowName,
		"version":       inst.WorkflowVersion,
		"current_state": inst.CurrentState,
		"started_by":    actor.ID,
	})
	e.notify(ctx, &inst, startEntry, actor)

	return &inst, nil
}

// ExecuteAction advances a process by one named action. Every check
// fails fast with a distinct error kind and leaves the persisted
// instance untouched; the transition commits atomically through the
// store's revision check, so two racing callers cannot both win.
func (e *Engine) ExecuteAction(ctx context.Context, processID uint64, actionName string, actor types.Actor, payload map[string]interface{}, comments string) (*types.ProcessInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}

	if inst.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: status=%s", ErrProcessNotActive, inst.Status)
	}

	// Always the bound version, never the latest.
	wf, err := e.getWorkflow(ctx, inst.WorkflowName, inst.WorkflowVersion)
	if err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) {
			return nil, &InvariantError{ProcessID: inst.ID,
				Detail: fmt.Sprintf("bound workflow %s v%d is gone", inst.WorkflowName, inst.WorkflowVersion)}
		}
		return nil, err
	}
	if err := e.validator.Validate(&wf); err != nil {
		return nil, &InvariantError{ProcessID: inst.ID,
			Detail: fmt.Sprintf("bound workflow %s v%d failed validation: %v", wf.Name, wf.Version, err)}
	}

	state := wf.FindState(inst.CurrentState)
	if state == nil {
		return nil, &InvariantError{ProcessID: inst.ID,
			Detail: fmt.Sprintf("current state %q is not declared by workflow %s v%d", inst.CurrentState, wf.Name, wf.Version)}
	}

	action := state.FindAction(actionName)
	if action == nil {
		return nil, fmt.Errorf("%w: %q in state %q", ErrActionNotAvailable, actionName, state.Name)
	}

	if !Authorized(actor.Roles, action.AllowedRoles) {
		return nil, fmt.Errorf("%w: action %q", ErrForbidden, action.Name)
	}

	if action.Condition != "" {
		ok, err := e.evaluator.Evaluate(action.Condition, rules.GuardEnv(inst.Data, payload, actor))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate condition %q: %w", action.Condition, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: action %q", ErrConditionNotMet, action.Name)
		}
	}

	if missing := MissingFields(action.RequiredFields, payload); len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}

	// Shallow merge into a fresh map; duplicate keys overwrite.
	merged := make(map[string]interface{}, len(inst.Data)+len(payload))
	for k, v := range inst.Data {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	if err := e.validator.schemas.validate(merged, wf.FieldSchema); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	expected := inst.Revision

	if inst.SLA == nil {
		inst.SLA = &types.SLA{}
	}
	sla.TrackTransition(inst.SLA, inst.CurrentState, action.TargetState, now)
	inst.SLA.Status = sla.Recompute(inst.SLA.Deadline, now)

	entry := types.HistoryEntry{
		ID:         uuid.NewString(),
		FromState:  inst.CurrentState,
		ToState:    action.TargetState,
		Action:     action.Name,
		ExecutedBy: actor.ID,
		ExecutedAt: now,
		Comments:   comments,
		Data:       payload,
	}
	inst.History = append(inst.History, entry)

	inst.Data = merged
	inst.CurrentState = action.TargetState
	inst.UpdatedAt = now

	target := wf.FindState(action.TargetState)
	if target.IsFinal {
		inst.Status = types.StatusCompleted
		inst.CompletedAt = now
	}

	inst.Revision = expected + 1
	if err := e.store.SaveInstance(ctx, inst, expected); err != nil {
		return nil, err
	}

	e.publishEvent(ctx, events.EventStateChanged, inst.ID, map[string]interface{}{
		"from_state": entry.FromState,
		"to_state":   entry.ToState,
		"action":     entry.Action,
		"status":     string(inst.Status),
	})
	if inst.Status == types.StatusCompleted {
		e.publishEvent(ctx, events.EventProcessCompleted, inst.ID, map[string]interface{}{
			"final_state": inst.CurrentState,
		})
	}
	e.notify(ctx, &inst, entry, actor)

	return &inst, nil
}

// AvailableActions filters the current state's actions by the given role
// set. Non-active instances expose no actions.
func (e *Engine) AvailableActions(ctx context.Context, processID uint64, roles []string) ([]types.Action, error) {
	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.StatusActive {
		return []types.Action{}, nil
	}

	wf, err := e.getWorkflow(ctx, inst.WorkflowName, inst.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	state := wf.FindState(inst.CurrentState)
	if state == nil {
		return nil, &InvariantError{ProcessID: inst.ID,
			Detail: fmt.Sprintf("current state %q is not declared by workflow %s v%d", inst.CurrentState, wf.Name, wf.Version)}
	}

	available := make([]types.Action, 0, len(state.Actions))
	for _, action := range state.Actions {
		if Authorized(roles, action.AllowedRoles) {
			available = append(available, action)
		}
	}
	return available, nil
}

// History returns the instance's append-only transition records.
func (e *Engine) History(ctx context.Context, processID uint64) ([]types.HistoryEntry, error) {
	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}
	history := make([]types.HistoryEntry, len(inst.History))
	copy(history, inst.History)
	return history, nil
}

// GetProcess retrieves a process instance by ID.
func (e *Engine) GetProcess(ctx context.Context, processID uint64) (*types.ProcessInstance, error) {
	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetWorkflow retrieves a workflow definition by name and version.
func (e *Engine) GetWorkflow(ctx context.Context, name string, version int) (*types.WorkflowDefinition, error) {
	wf, err := e.getWorkflow(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// CancelProcess terminates a non-terminal instance. Admin only;
// irreversible.
func (e *Engine) CancelProcess(ctx context.Context, processID uint64, actor types.Actor, reason string) (*types.ProcessInstance, error) {
	return e.adminTransition(ctx, processID, actor, "cancel", reason, events.EventProcessCanceled,
		func(inst *types.ProcessInstance) error {
			if inst.Status.Terminal() {
				return fmt.Errorf("%w: status=%s", ErrProcessNotActive, inst.Status)
			}
			inst.Status = types.StatusCanceled
			return nil
		})
}

// SuspendProcess pauses an active instance. Admin only; reversible via
// ResumeProcess.
func (e *Engine) SuspendProcess(ctx context.Context, processID uint64, actor types.Actor, reason string) (*types.ProcessInstance, error) {
	return e.adminTransition(ctx, processID, actor, "suspend", reason, events.EventProcessSuspended,
		func(inst *types.ProcessInstance) error {
			if inst.Status != types.StatusActive {
				return fmt.Errorf("%w: status=%s", ErrProcessNotActive, inst.Status)
			}
			inst.Status = types.StatusSuspended
			return nil
		})
}

// ResumeProcess reactivates a suspended instance. Admin only.
func (e *Engine) ResumeProcess(ctx context.Context, processID uint64, actor types.Actor, reason string) (*types.ProcessInstance, error) {
	return e.adminTransition(ctx, processID, actor, "resume", reason, events.EventProcessResumed,
		func(inst *types.ProcessInstance) error {
			if inst.Status != types.StatusSuspended {
				return fmt.Errorf("%w: status=%s", ErrProcessNotSuspended, inst.Status)
			}
			inst.Status = types.StatusActive
			return nil
		})
}

// adminTransition applies an administrative status change guarded by the
// Admin role and records it with a system-generated history entry that
// stays in the current state.
func (e *Engine) adminTransition(ctx context.Context, processID uint64, actor types.Actor, action, reason, eventType string, apply func(*types.ProcessInstance) error) (*types.ProcessInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !Authorized(actor.Roles, []string{RoleAdmin}) {
		return nil, fmt.Errorf("%w: %s requires the %s role", ErrForbidden, action, RoleAdmin)
	}

	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}

	if err := apply(&inst); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	entry := types.HistoryEntry{
		ID:              uuid.NewString(),
		FromState:       inst.CurrentState,
		ToState:         inst.CurrentState,
		Action:          action,
		ExecutedBy:      actor.ID,
		ExecutedAt:      now,
		Comments:        reason,
		SystemGenerated: true,
	}
	inst.History = append(inst.History, entry)
	inst.UpdatedAt = now

	expected := inst.Revision
	inst.Revision = expected + 1
	if err := e.store.SaveInstance(ctx, inst, expected); err != nil {
		return nil, err
	}

	e.publishEvent(ctx, eventType, inst.ID, map[string]interface{}{
		"status":      string(inst.Status),
		"executed_by": actor.ID,
		"reason":      reason,
	})
	e.notify(ctx, &inst, entry, actor)

	return &inst, nil
}

// ReassignProcess replaces the instance's responsible actor set.
func (e *Engine) ReassignProcess(ctx context.Context, processID uint64, actor types.Actor, assignees []string, comments string) (*types.ProcessInstance, error) {
	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: status=%s", ErrProcessNotActive, inst.Status)
	}

	now := time.Now().UnixMilli()
	inst.AssignedTo = assignees
	inst.History = append(inst.History, types.HistoryEntry{
		ID:              uuid.NewString(),
		FromState:       inst.CurrentState,
		ToState:         inst.CurrentState,
		Action:          "reassign",
		ExecutedBy:      actor.ID,
		ExecutedAt:      now,
		Comments:        comments,
		SystemGenerated: true,
	})
	inst.UpdatedAt = now

	expected := inst.Revision
	inst.Revision = expected + 1
	if err := e.store.SaveInstance(ctx, inst, expected); err != nil {
		return nil, err
	}
	return &inst, nil
}

// SetDeadline sets or changes the SLA deadline and recomputes the
// status. A zero deadline clears it.
func (e *Engine) SetDeadline(ctx context.Context, processID uint64, actor types.Actor, deadline int64) (*types.ProcessInstance, error) {
	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: status=%s", ErrProcessNotActive, inst.Status)
	}

	now := time.Now().UnixMilli()
	if inst.SLA == nil {
		inst.SLA = &types.SLA{}
	}
	inst.SLA.Deadline = deadline
	inst.SLA.Status = sla.Recompute(deadline, now)
	inst.UpdatedAt = now

	expected := inst.Revision
	inst.Revision = expected + 1
	if err := e.store.SaveInstance(ctx, inst, expected); err != nil {
		return nil, err
	}
	return &inst, nil
}

// AddComment attaches a discussion comment to the instance. Comments are
// not transitions and do not touch the history.
func (e *Engine) AddComment(ctx context.Context, processID uint64, actor types.Actor, text string) (*types.ProcessInstance, error) {
	if text == "" {
		return nil, errors.New("comment text is required")
	}

	inst, err := e.store.GetInstance(ctx, processID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	inst.Comments = append(inst.Comments, types.Comment{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedBy: actor.ID,
		CreatedAt: now,
	})
	inst.UpdatedAt = now

	expected := inst.Revision
	inst.Revision = expected + 1
	if err := e.store.SaveInstance(ctx, inst, expected); err != nil {
		return nil, err
	}
	return &inst, nil
}

// publishEvent publishes to the event bus; events are best-effort.
func (e *Engine) publishEvent(ctx context.Context, eventType string, processID uint64, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	err := e.eventBus.Publish(ctx, events.Event{
		Type:      eventType,
		ProcessID: processID,
		Data:      data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("event publish failed",
			slog.String("event_type", eventType),
			slog.Uint64("process_id", processID),
			slog.Any("error", err))
	}
}

// notify delivers a transition notification; failures are logged and
// never propagated as transition failures.
func (e *Engine) notify(ctx context.Context, inst *types.ProcessInstance, entry types.HistoryEntry, actor types.Actor) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, inst, entry, actor); err != nil {
		e.logger.Warn("notification failed",
			slog.Uint64("process_id", inst.ID),
			slog.String("action", entry.Action),
			slog.Any("error", err))
	}
}
