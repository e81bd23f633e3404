// Package file implements ports.ResultStore on the local filesystem.
// Each completed stage leaves one YAML checkpoint under
// <output>/checkpoints/<stage>.yaml. Writes go through a temp file and an
// atomic rename, so an interrupted run never leaves a truncated checkpoint
// that a resume could mistake for a complete one.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/segdesign/segdesign/pkg/domain"
)

// Store persists stage results as YAML files in a base directory.
type Store struct {
	BasePath string
}

// NewStore creates a Store rooted at basePath. If basePath is empty it
// defaults to "checkpoints" in the working directory.
func NewStore(basePath string) *Store {
	if basePath == "" {
		basePath = "checkpoints"
	}
	return &Store{BasePath: basePath}
}

// Save writes the stage result checkpoint. The result is append-only by
// contract: saving the same stage twice indicates an orchestrator bug and
// fails rather than silently rewriting history.
func (s *Store) Save(ctx context.Context, res *domain.StageResult) error {
	if res == nil || res.Stage == "" {
		return fmt.Errorf("stage result must name its stage")
	}
	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("ensuring checkpoint dir: %w", err)
	}

	final := s.path(res.Stage)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("checkpoint for stage %s already exists", res.Stage)
	}

	data, err := yaml.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling stage result: %w", err)
	}

	tmp := final + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("promoting checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for a stage, or domain.ErrNoCheckpoint when the
// stage has not completed.
func (s *Store) Load(ctx context.Context, stage domain.StageName) (*domain.StageResult, error) {
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNoCheckpoint
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var res domain.StageResult
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, &domain.ResumeError{Stage: stage, Reason: fmt.Sprintf("corrupt checkpoint: %v", err)}
	}
	return &res, nil
}

// List returns the stages with a persisted checkpoint.
func (s *Store) List(ctx context.Context) ([]domain.StageName, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	var stages []domain.StageName
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		stages = append(stages, domain.StageName(strings.TrimSuffix(name, ".yaml")))
	}
	return stages, nil
}

func (s *Store) path(stage domain.StageName) string {
	return filepath.Join(s.BasePath, string(stage)+".yaml")
}
