package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/process-engine/types"
)

// Errors returned by storage implementations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already exists")
	// ErrRevisionConflict is returned when a save loses an optimistic
	// concurrency race; the caller must reload and recompute.
	ErrRevisionConflict = errors.New("instance revision conflict")
)

// TemplateStore persists versioned workflow definitions. Published
// definitions are immutable; only the Active flag is ever changed, and
// only through DeactivateWorkflow.
type TemplateStore interface {
	// SaveWorkflow stores the definition under (Name, Version). When the
	// definition is active it also becomes the version GetActiveWorkflow
	// resolves for that name.
	SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error

	// GetWorkflow retrieves the exact (name, version) definition.
	GetWorkflow(ctx context.Context, name string, version int) (types.WorkflowDefinition, error)

	// GetActiveWorkflow retrieves the active version for the name.
	GetActiveWorkflow(ctx context.Context, name string) (types.WorkflowDefinition, error)

	// ListVersions returns all stored version numbers for the name,
	// in ascending order.
	ListVersions(ctx context.Context, name string) ([]int, error)

	// DeactivateWorkflow clears the Active flag on (name, version).
	DeactivateWorkflow(ctx context.Context, name string, version int) error
}

// InstanceStore persists process instances with optimistic concurrency.
type InstanceStore interface {
	// SaveInstance persists inst. expectedRevision is the revision the
	// caller loaded; the write fails with ErrRevisionConflict if the
	// stored revision differs. expectedRevision 0 creates the instance
	// and fails with ErrInstanceExists if the id is taken. inst.Revision
	// must be expectedRevision+1.
	SaveInstance(ctx context.Context, inst types.ProcessInstance, expectedRevision int64) error

	// GetInstance retrieves a process instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error)

	// ListActiveInstances returns all instances with status active.
	ListActiveInstances(ctx context.Context) ([]types.ProcessInstance, error)

	// DeleteInstance removes an instance.
	DeleteInstance(ctx context.Context, id uint64) error
}

// Storage combines template and instance persistence.
type Storage interface {
	TemplateStore
	InstanceStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
