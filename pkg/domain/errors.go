package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoCheckpoint is returned by result stores when a stage has no
// persisted result yet.
var ErrNoCheckpoint = errors.New("no checkpoint for stage")

// ConfigError reports an invalid or missing configuration field. It always
// fails before any stage runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %q: %s", e.Field, e.Reason)
}

// EnvironmentError reports an unresolvable execution environment name.
type EnvironmentError struct {
	Name string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment %q is not registered", e.Name)
}

// StageExecutionError reports a non-zero exit or a timeout from an external
// stage process. It is the only retryable error in the taxonomy.
type StageExecutionError struct {
	Stage      StageName
	ExitCode   int
	Timeout    bool
	StderrPath string
}

func (e *StageExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s: process timed out (stderr: %s)", e.Stage, e.StderrPath)
	}
	return fmt.Sprintf("stage %s: exit code %d (stderr: %s)", e.Stage, e.ExitCode, e.StderrPath)
}

// StageOutputError reports a declared artifact that is missing or empty
// despite a zero exit code. Not retryable: re-running the same command
// would reproduce the same partial write.
type StageOutputError struct {
	Stage    StageName
	Artifact string
}

func (e *StageOutputError) Error() string {
	return fmt.Sprintf("stage %s: declared artifact missing or empty: %s", e.Stage, e.Artifact)
}

// GatingError reports that a filtering step left zero survivors. It is
// never fatal: the orchestrator propagates an empty candidate set and the
// run still reports success with zero rows.
type GatingError struct {
	Stage  StageName
	Reason string
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("gate after %s: no candidates survived: %s", e.Stage, e.Reason)
}

// ResumeError reports on-disk checkpoint state that contradicts the current
// configuration. The pipeline fails fast rather than silently recomputing
// or trusting stale results.
type ResumeError struct {
	Stage  StageName
	Reason string
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume: stage %s: %s", e.Stage, e.Reason)
}

// Retryable reports whether err should be retried by the orchestrator's
// backoff policy.
func Retryable(err error) bool {
	var execErr *StageExecutionError
	return errors.As(err, &execErr)
}

// Backoff returns the delay before retry attempt n (0-based), doubling from
// base and capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base << n
	if d > max || d <= 0 {
		return max
	}
	return d
}
