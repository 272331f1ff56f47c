package storage

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/songzhibin97/process-engine/types"
)

func sampleWorkflow(version int, active bool) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		Name:    "approval",
		Version: version,
		Active:  active,
		States: []types.State{
			{Name: "Open", IsInitial: true},
			{Name: "Closed", IsFinal: true},
		},
	}
}

func sampleInstance(id uint64) types.ProcessInstance {
	return types.ProcessInstance{
		ID:           id,
		Title:        "test process",
		WorkflowName: "approval",
		CurrentState: "Open",
		Status:       types.StatusActive,
		Data:         map[string]interface{}{"amount": 10.0},
		Revision:     1,
	}
}

// TestMemoryStorageWorkflows covers template save, lookup, versions and
// deactivation.
func TestMemoryStorageWorkflows(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if _, err := store.GetWorkflow(ctx, "approval", 1); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
	if _, err := store.GetActiveWorkflow(ctx, "approval"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound for missing active, got %v", err)
	}

	if err := store.SaveWorkflow(ctx, sampleWorkflow(1, true)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveWorkflow(ctx, sampleWorkflow(2, true)); err != nil {
		t.Fatal(err)
	}

	wf, err := store.GetWorkflow(ctx, "approval", 1)
	if err != nil || wf.Version != 1 {
		t.Fatalf("GetWorkflow(1) = v%d, %v", wf.Version, err)
	}

	active, err := store.GetActiveWorkflow(ctx, "approval")
	if err != nil || active.Version != 2 {
		t.Fatalf("expected active v2, got v%d (err=%v)", active.Version, err)
	}

	versions, err := store.ListVersions(ctx, "approval")
	if err != nil || !reflect.DeepEqual(versions, []int{1, 2}) {
		t.Fatalf("ListVersions = %v, %v", versions, err)
	}

	if err := store.DeactivateWorkflow(ctx, "approval", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActiveWorkflow(ctx, "approval"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected no active version after deactivation, got %v", err)
	}
	wf, err = store.GetWorkflow(ctx, "approval", 2)
	if err != nil || wf.Active {
		t.Errorf("v2 must survive deactivation with Active=false, got %+v (err=%v)", wf, err)
	}

	if err := store.DeactivateWorkflow(ctx, "approval", 9); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

// TestMemoryStorageInstances covers the instance CRUD surface and the
// revision contract.
func TestMemoryStorageInstances(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if _, err := store.GetInstance(ctx, 1); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}

	inst := sampleInstance(1)
	if err := store.SaveInstance(ctx, inst, 0); err != nil {
		t.Fatal(err)
	}

	if err := store.SaveInstance(ctx, inst, 0); !errors.Is(err, ErrInstanceExists) {
		t.Errorf("expected ErrInstanceExists on duplicate create, got %v", err)
	}

	loaded, err := store.GetInstance(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Title != inst.Title || loaded.Revision != 1 {
		t.Errorf("loaded instance mismatch: %+v", loaded)
	}

	loaded.Data["amount"] = 999.0
	reloaded, _ := store.GetInstance(ctx, 1)
	if reloaded.Data["amount"] != 10.0 {
		t.Error("stored state must not be mutable through returned maps")
	}

	loaded.Revision = 2
	if err := store.SaveInstance(ctx, loaded, 1); err != nil {
		t.Fatal(err)
	}

	stale := inst
	stale.Revision = 2
	if err := store.SaveInstance(ctx, stale, 1); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("expected ErrRevisionConflict for a stale save, got %v", err)
	}

	missing := sampleInstance(42)
	missing.Revision = 2
	if err := store.SaveInstance(ctx, missing, 1); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound for update of missing id, got %v", err)
	}

	if err := store.DeleteInstance(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetInstance(ctx, 1); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound after delete, got %v", err)
	}
}

// TestMemoryStorageListActive verifies only active instances are listed.
func TestMemoryStorageListActive(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	active := sampleInstance(1)
	done := sampleInstance(2)
	done.Status = types.StatusCompleted

	if err := store.SaveInstance(ctx, active, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveInstance(ctx, done, 0); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListActiveInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != 1 {
		t.Errorf("expected only instance 1 listed, got %v", list)
	}
}

// TestMemoryStorageConcurrentSaves races conflicting saves against one
// revision; exactly one writer may win.
func TestMemoryStorageConcurrentSaves(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if err := store.SaveInstance(ctx, sampleInstance(1), 0); err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := store.GetInstance(ctx, 1)
			if err != nil {
				t.Error(err)
				return
			}
			inst.Revision = 2
			switch err := store.SaveInstance(ctx, inst, 1); {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, ErrRevisionConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning save, got %d", wins)
	}
	final, _ := store.GetInstance(ctx, 1)
	if final.Revision != 2 {
		t.Errorf("expected final revision 2, got %d", final.Revision)
	}
}

// TestMemoryStorageContextCanceled verifies operations respect context
// cancellation.
func TestMemoryStorageContextCanceled(t *testing.T) {
	store := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.SaveWorkflow(ctx, sampleWorkflow(1, true)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := store.GetInstance(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
