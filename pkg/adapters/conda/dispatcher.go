// Package conda dispatches stage commands into isolated runtime
// environments. An environment is either a conda env (activated with
// "conda run -n") or a direct interpreter path; the mapping from name to
// strategy is injected, never read from ambient state, so the dispatcher is
// testable with a fake environment map.
package conda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/segdesign/segdesign/internal/logging"
	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/ports"
)

// Environment describes one resolvable runtime.
type Environment struct {
	// Conda names a conda environment to activate.
	Conda string
	// Interpreter is a direct path to a python binary, used instead of
	// conda activation when set.
	Interpreter string
}

// Dispatcher implements ports.Dispatcher on top of local processes.
type Dispatcher struct {
	envs      map[string]Environment
	condaBin  string
	logDir    string
	logger    *slog.Logger
	timestamp func() time.Time
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithCondaBin overrides the conda executable (default "conda" on PATH).
func WithCondaBin(path string) Option {
	return func(d *Dispatcher) { d.condaBin = path }
}

// WithLogDir redirects process streams to files under dir instead of the
// default "<workdir>/logs".
func WithLogDir(dir string) Option {
	return func(d *Dispatcher) { d.logDir = dir }
}

// FromConfig builds a Dispatcher from the workflow's environment section.
func FromConfig(envs map[string]config.Environment, opts ...Option) *Dispatcher {
	converted := make(map[string]Environment, len(envs))
	for name, e := range envs {
		converted[name] = Environment{Conda: e.Conda, Interpreter: e.Interpreter}
	}
	return New(converted, opts...)
}

// New creates a Dispatcher over the given environment map.
func New(envs map[string]Environment, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		envs:      envs,
		condaBin:  "conda",
		logger:    logging.NewNop(),
		timestamp: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs argv inside the named environment with streams redirected to
// files. Non-zero exit codes are reported through the result, not as
// errors; only unresolvable environments, spawn failures and timeouts fail.
func (d *Dispatcher) Execute(ctx context.Context, env string, argv []string, workdir string, timeout time.Duration) (ports.ExecutionResult, error) {
	res := ports.ExecutionResult{}

	e, ok := d.envs[env]
	if !ok {
		return res, &domain.EnvironmentError{Name: env}
	}
	if len(argv) == 0 {
		return res, fmt.Errorf("dispatch into %s: empty command", env)
	}

	full := d.resolve(e, argv)

	logDir := d.logDir
	if logDir == "" {
		logDir = filepath.Join(workdir, "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return res, fmt.Errorf("creating log dir: %w", err)
	}
	prefix := fmt.Sprintf("%s-%d", filepath.Base(argv[0]), d.timestamp().UnixNano())
	res.StdoutPath = filepath.Join(logDir, prefix+".stdout.log")
	res.StderrPath = filepath.Join(logDir, prefix+".stderr.log")

	stdout, err := os.Create(res.StdoutPath)
	if err != nil {
		return res, fmt.Errorf("creating stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(res.StderrPath)
	if err != nil {
		return res, fmt.Errorf("creating stderr log: %w", err)
	}
	defer stderr.Close()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, full[0], full[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Info("dispatching command",
		"env", env,
		"command", full[0],
		"args", len(full)-1,
		"workdir", workdir,
	)

	start := d.timestamp()
	runErr := cmd.Run()
	res.Duration = d.timestamp().Sub(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &domain.StageExecutionError{Timeout: true, StderrPath: res.StderrPath}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawning %s: %w", full[0], runErr)
	}
	return res, nil
}

// resolve expands argv into the concrete command line for the environment.
func (d *Dispatcher) resolve(e Environment, argv []string) []string {
	if e.Interpreter != "" {
		return append([]string{e.Interpreter}, argv...)
	}
	prefix := []string{d.condaBin, "run", "--no-capture-output", "-n", e.Conda, "python"}
	return append(prefix, argv...)
}
