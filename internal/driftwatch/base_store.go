package driftwatch

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBaseStore is an in-process BaseStateSource for tests and standalone
// runs. Insertion order is the base order the projector preserves.
type MemoryBaseStore struct {
	mu         sync.RWMutex
	issues     []Entity
	specs      []Entity
	executions map[string]ExecutionRecord
}

func NewMemoryBaseStore() *MemoryBaseStore {
	return &MemoryBaseStore{
		executions: map[string]ExecutionRecord{},
	}
}

func (s *MemoryBaseStore) AllIssues(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntities(s.issues), nil
}

func (s *MemoryBaseStore) AllSpecs(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntities(s.specs), nil
}

func (s *MemoryBaseStore) ExecutionByID(ctx context.Context, executionID string) (ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.executions[executionID]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return record, nil
}

// PutIssue inserts or replaces an issue by id, preserving position on replace.
func (s *MemoryBaseStore) PutIssue(entity Entity) error {
	return putEntity(&s.mu, &s.issues, entity)
}

func (s *MemoryBaseStore) PutSpec(entity Entity) error {
	return putEntity(&s.mu, &s.specs, entity)
}

func (s *MemoryBaseStore) PutExecution(record ExecutionRecord) error {
	if record.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[record.ID] = record
	return nil
}

func putEntity(mu *sync.RWMutex, entities *[]Entity, entity Entity) error {
	if entity.ID() == "" {
		return ErrInvalidInput
	}
	mu.Lock()
	defer mu.Unlock()
	for i, existing := range *entities {
		if existing.ID() == entity.ID() {
			(*entities)[i] = entity.Clone()
			return nil
		}
	}
	*entities = append(*entities, entity.Clone())
	return nil
}
