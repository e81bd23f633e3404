// Package stage wraps each external analysis tool behind a uniform
// contract: a pure command builder, a declared artifact list, and a metric
// parser. Success is decided by exit code plus artifact presence, never by
// scraping process output.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/segdesign/segdesign/internal/logging"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/ports"
)

// Definition declares the immutable contract of one stage type.
type Definition struct {
	Name domain.StageName

	// Environment is the key used to resolve the runtime environment.
	Environment string

	// OutputDir is the stage's subfolder name under the run output
	// directory. The layout is a fixed external contract.
	OutputDir string

	// Artifacts are paths relative to OutputDir that must exist and be
	// non-empty after a zero exit. A missing artifact fails the stage even
	// when the tool reported success, defending against partial writes.
	Artifacts []string
}

// Stage is one configured invocation of an external tool.
type Stage interface {
	Definition() Definition

	// BuildCommand returns the full argv for the wrapper script, writing
	// all outputs under outDir. It is pure: no side effects, deterministic
	// for identical inputs.
	BuildCommand(outDir string) []string
}

// Runner executes stages through a dispatcher, checks their declared
// artifacts and promotes outputs atomically from a .partial directory to
// the final stage directory. A cancelled or failed stage leaves only the
// .partial directory behind, which is never read back as a checkpoint.
type Runner struct {
	dispatcher ports.Dispatcher
	workdir    string
	runID      string
	timeout    time.Duration
	logger     *slog.Logger
}

// RunnerOption configures the Runner.
type RunnerOption func(*Runner)

// WithTimeout bounds each stage invocation. Zero disables the limit.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner rooted at the run output directory.
func NewRunner(dispatcher ports.Dispatcher, workdir, runID string, opts ...RunnerOption) *Runner {
	r := &Runner{
		dispatcher: dispatcher,
		workdir:    workdir,
		runID:      runID,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FinalDir returns the promoted output directory for a stage definition.
func (r *Runner) FinalDir(def Definition) string {
	return filepath.Join(r.workdir, def.OutputDir)
}

// Run invokes the stage and returns its persisted-ready result. Exit codes
// other than zero become StageExecutionError (retryable); missing artifacts
// become StageOutputError (not retryable).
func (r *Runner) Run(ctx context.Context, st Stage) (*domain.StageResult, error) {
	def := st.Definition()
	final := r.FinalDir(def)
	partial := final + ".partial"

	// A stale final dir without a checkpoint is a leftover from an
	// interrupted promotion; rebuild it from scratch.
	if err := os.RemoveAll(partial); err != nil {
		return nil, fmt.Errorf("stage %s: clearing partial dir: %w", def.Name, err)
	}
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return nil, fmt.Errorf("stage %s: creating partial dir: %w", def.Name, err)
	}

	argv := st.BuildCommand(partial)
	started := time.Now()

	r.logger.Info("stage starting", "stage", def.Name, "env", def.Environment)

	exec, err := r.dispatcher.Execute(ctx, def.Environment, argv, r.workdir, r.timeout)
	if err != nil {
		var execErr *domain.StageExecutionError
		if errors.As(err, &execErr) && execErr.Stage == "" {
			execErr.Stage = def.Name
		}
		return nil, err
	}
	if exec.ExitCode != 0 {
		return nil, &domain.StageExecutionError{
			Stage:      def.Name,
			ExitCode:   exec.ExitCode,
			StderrPath: exec.StderrPath,
		}
	}

	artifacts, err := r.verifyArtifacts(def, partial)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(final); err != nil {
		return nil, fmt.Errorf("stage %s: clearing stale output: %w", def.Name, err)
	}
	if err := os.Rename(partial, final); err != nil {
		return nil, fmt.Errorf("stage %s: promoting output: %w", def.Name, err)
	}

	res := &domain.StageResult{
		Stage:      def.Name,
		RunID:      r.runID,
		ExitCode:   exec.ExitCode,
		StartedAt:  started,
		Duration:   exec.Duration,
		StdoutPath: exec.StdoutPath,
		StderrPath: exec.StderrPath,
		Artifacts:  artifacts,
	}

	r.logger.Info("stage finished",
		"stage", def.Name,
		"duration", res.Duration,
		"artifacts", len(res.Artifacts),
	)
	return res, nil
}

// verifyArtifacts checks every declared artifact under dir and returns
// their promoted (final) paths.
func (r *Runner) verifyArtifacts(def Definition, dir string) ([]string, error) {
	final := r.FinalDir(def)
	out := make([]string, 0, len(def.Artifacts))
	for _, rel := range def.Artifacts {
		p := filepath.Join(dir, rel)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &domain.StageOutputError{Stage: def.Name, Artifact: rel}
		}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil || len(entries) == 0 {
				return nil, &domain.StageOutputError{Stage: def.Name, Artifact: rel}
			}
		} else if info.Size() == 0 {
			return nil, &domain.StageOutputError{Stage: def.Name, Artifact: rel}
		}
		out = append(out, filepath.Join(final, rel))
	}
	return out, nil
}
