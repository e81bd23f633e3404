package ports

import (
	"context"
	"time"
)

// ExecutionResult is what a dispatcher reports about one finished process.
// Streams are redirected to files, never buffered in memory: stage
// processes are long-running and verbose.
type ExecutionResult struct {
	ExitCode   int
	StdoutPath string
	StderrPath string
	Duration   time.Duration
}

// Dispatcher executes a command inside a named isolated runtime
// environment. It is agnostic to what the command does: interpreting exit
// codes is the caller's responsibility. A zero timeout disables the limit.
//
// Implementations return domain.EnvironmentError for an unresolvable
// environment name and domain.StageExecutionError (Timeout=true) when the
// deadline elapses; a plain non-zero exit is reported through ExitCode
// without an error.
type Dispatcher interface {
	Execute(ctx context.Context, env string, argv []string, workdir string, timeout time.Duration) (ExecutionResult, error)
}
