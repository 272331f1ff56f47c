package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/process-engine/types"
)

type templateKey struct {
	name    string
	version int
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	templates     map[templateKey]types.WorkflowDefinition
	activeVersion map[string]int
	instances     map[uint64]types.ProcessInstance
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		templates:     make(map[templateKey]types.WorkflowDefinition),
		activeVersion: make(map[string]int),
		instances:     make(map[uint64]types.ProcessInstance),
	}
}

// cloneInstance deep-copies an instance through JSON so stored state can
// never be mutated through maps or slices held by callers.
func cloneInstance(inst types.ProcessInstance) types.ProcessInstance {
	data, err := json.Marshal(inst)
	if err != nil {
		return inst
	}
	var out types.ProcessInstance
	if err := json.Unmarshal(data, &out); err != nil {
		return inst
	}
	return out
}

// SaveWorkflow saves a workflow definition to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.templates[templateKey{wf.Name, wf.Version}] = wf
		if wf.Active {
			s.activeVersion[wf.Name] = wf.Version
		} else if s.activeVersion[wf.Name] == wf.Version {
			delete(s.activeVersion, wf.Name)
		}
		return nil
	})
}

// GetWorkflow retrieves the exact (name, version) definition from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, name string, version int) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		wf, ok := s.templates[templateKey{name, version}]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: %s v%d", ErrWorkflowNotFound, name, version)
		}
		return wf, nil
	})
}

// GetActiveWorkflow retrieves the active version for the name.
func (s *MemoryStorage) GetActiveWorkflow(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		version, ok := s.activeVersion[name]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: no active version of %s", ErrWorkflowNotFound, name)
		}
		return s.templates[templateKey{name, version}], nil
	})
}

// ListVersions returns all stored version numbers for the name, ascending.
func (s *MemoryStorage) ListVersions(ctx context.Context, name string) ([]int, error) {
	return withContext(ctx, func() ([]int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var versions []int
		for key := range s.templates {
			if key.name == name {
				versions = append(versions, key.version)
			}
		}
		sort.Ints(versions)
		return versions, nil
	})
}

// DeactivateWorkflow clears the Active flag on (name, version).
func (s *MemoryStorage) DeactivateWorkflow(ctx context.Context, name string, version int) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := templateKey{name, version}
		wf, ok := s.templates[key]
		if !ok {
			return fmt.Errorf("%w: %s v%d", ErrWorkflowNotFound, name, version)
		}
		wf.Active = false
		s.templates[key] = wf
		if s.activeVersion[name] == version {
			delete(s.activeVersion, name)
		}
		return nil
	})
}

// SaveInstance persists an instance, enforcing the optimistic
// concurrency contract.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.ProcessInstance, expectedRevision int64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, exists := s.instances[inst.ID]
		if expectedRevision == 0 {
			if exists {
				return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
			}
		} else {
			if !exists {
				return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
			}
			if current.Revision != expectedRevision {
				return fmt.Errorf("%w: id=%d expected=%d stored=%d",
					ErrRevisionConflict, inst.ID, expectedRevision, current.Revision)
			}
		}

		s.instances[inst.ID] = cloneInstance(inst)
		return nil
	})
}

// GetInstance retrieves a process instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	return withContext(ctx, func() (types.ProcessInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.ProcessInstance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		return cloneInstance(inst), nil
	})
}

// ListActiveInstances returns all instances with status active.
func (s *MemoryStorage) ListActiveInstances(ctx context.Context) ([]types.ProcessInstance, error) {
	return withContext(ctx, func() ([]types.ProcessInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ProcessInstance
		for _, inst := range s.instances {
			if inst.Status == types.StatusActive {
				out = append(out, cloneInstance(inst))
			}
		}
		return out, nil
	})
}

// DeleteInstance removes an instance from memory.
func (s *MemoryStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.instances, id)
		return nil
	})
}
