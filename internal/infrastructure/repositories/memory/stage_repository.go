package memory

import (
	"context"
	"fmt"
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
)

type MemoryStageRepository struct {
	stages map[domain.StageID]*domain.Stage
	mu     sync.RWMutex
}

func NewMemoryStageRepository() ports.StageRepository {
	return &MemoryStageRepository{
		stages: make(map[domain.StageID]*domain.Stage),
	}
}

func (r *MemoryStageRepository) Create(ctx context.Context, stage *domain.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[stage.ID]; exists {
		return fmt.Errorf("stage already exists: %s", stage.ID)
	}

	r.stages[stage.ID] = stage
	return nil
}

func (r *MemoryStageRepository) GetByID(ctx context.Context, id domain.StageID) (*domain.Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stage, exists := r.stages[id]
	if !exists {
		return nil, domain.ErrStageNotFound
	}

	return stage, nil
}

func (r *MemoryStageRepository) Delete(ctx context.Context, id domain.StageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[id]; !exists {
		return domain.ErrStageNotFound
	}

	delete(r.stages, id)
	return nil
}

func (r *MemoryStageRepository) List(ctx context.Context) ([]*domain.Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make([]*domain.Stage, 0, len(r.stages))
	for _, stage := range r.stages {
		stages = append(stages, stage)
	}

	return stages, nil
}
