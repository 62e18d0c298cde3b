package ports

import (
	"context"

	"stagecast/internal/core/domain"
)

type StageRepository interface {
	Create(ctx context.Context, stage *domain.Stage) error
	GetByID(ctx context.Context, id domain.StageID) (*domain.Stage, error)
	Delete(ctx context.Context, id domain.StageID) error
	List(ctx context.Context) ([]*domain.Stage, error)
}

// StageStore mirrors stage metadata into an external directory. It is
// write-through only: in-memory state never depends on it.
type StageStore interface {
	Publish(ctx context.Context, stage *domain.Stage) error
	Forget(ctx context.Context, id domain.StageID) error
}
