package ports

import (
	"context"

	"github.com/segdesign/segdesign/pkg/domain"
)

// ResultStore persists StageResults as checkpoints. Results are append-only:
// Save is called exactly once per stage invocation, and a saved result is
// never rewritten by a resumed run.
//
// Load returns domain.ErrNoCheckpoint when the stage has not completed yet.
type ResultStore interface {
	Save(ctx context.Context, res *domain.StageResult) error
	Load(ctx context.Context, stage domain.StageName) (*domain.StageResult, error)
	List(ctx context.Context) ([]domain.StageName, error)
}
